package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// NamespaceKind distinguishes personal portfolios from league portfolios.
type NamespaceKind string

const (
	KindPersonal NamespaceKind = "personal"
	KindLeague   NamespaceKind = "league"
)

var (
	ErrInvalidNamespace = errors.New("model: invalid namespace")
	ErrInvalidSymbol    = errors.New("model: invalid symbol")
)

// Namespace is an isolated ledger scope: a user's personal portfolio or one
// (league, user) pairing.
type Namespace struct {
	Kind     NamespaceKind `json:"type"`
	LeagueID string        `json:"league_id,omitempty"`
	UserID   string        `json:"user_id"`
}

// Personal returns the personal namespace of a user.
func Personal(userID string) Namespace {
	return Namespace{Kind: KindPersonal, UserID: userID}
}

// League returns the namespace of a user inside a league.
func League(leagueID, userID string) Namespace {
	return Namespace{Kind: KindLeague, LeagueID: leagueID, UserID: userID}
}

// Validate rejects missing or ambiguous identifiers.
func (n Namespace) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidNamespace)
	}
	if strings.Contains(n.UserID, ":") || strings.Contains(n.LeagueID, ":") {
		return fmt.Errorf("%w: identifiers must not contain ':'", ErrInvalidNamespace)
	}
	switch n.Kind {
	case KindPersonal:
		if n.LeagueID != "" {
			return fmt.Errorf("%w: personal namespace cannot carry league_id", ErrInvalidNamespace)
		}
	case KindLeague:
		if strings.TrimSpace(n.LeagueID) == "" {
			return fmt.Errorf("%w: league_id is required for league namespace", ErrInvalidNamespace)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNamespace, n.Kind)
	}
	return nil
}

// Key is the canonical storage key: "personal:<user>" or "league:<league>:<user>".
func (n Namespace) Key() string {
	if n.Kind == KindLeague {
		return fmt.Sprintf("league:%s:%s", n.LeagueID, n.UserID)
	}
	return fmt.Sprintf("personal:%s", n.UserID)
}

func (n Namespace) String() string { return n.Key() }

// ParseNamespace is the inverse of Key.
func ParseNamespace(key string) (Namespace, error) {
	parts := strings.Split(key, ":")
	var ns Namespace
	switch {
	case len(parts) == 2 && parts[0] == string(KindPersonal):
		ns = Personal(parts[1])
	case len(parts) == 3 && parts[0] == string(KindLeague):
		ns = League(parts[1], parts[2])
	default:
		return Namespace{}, fmt.Errorf("%w: malformed key %q", ErrInvalidNamespace, key)
	}
	return ns, ns.Validate()
}

// symbolRegex matches exchange tickers such as AAPL, BRK.B or RDS-A.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}([.\-][A-Z0-9]{1,4})?$`)

// NormalizeSymbol upper-cases and validates a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}
