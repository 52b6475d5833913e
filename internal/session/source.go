package session

import (
	"log/slog"
	"strings"

	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/watch"
)

// The methods below decode the current mirror contents. They satisfy
// push.Source. Undecodable documents are logged and skipped.

// Profile returns the caller's profile, or a bare profile before it loads.
func (s *Session) Profile() model.UserProfile {
	bare := model.UserProfile{Identity: s.identity.ID, Role: string(s.identity.Role)}
	m, ok := s.engine.Mirror(watch.SpecProfile)
	if !ok {
		return bare
	}
	st := m.State()
	if !st.Exists {
		return bare
	}
	p, err := model.ProfileFromDoc(st.Doc)
	if err != nil {
		slog.Warn("skipping undecodable profile", "identity", s.identity.ID, "error", err)
		return bare
	}
	return p
}

// Ledger returns the caller's ledger records.
func (s *Session) Ledger() []model.LedgerRecord {
	return decode(s.own(watch.SpecTransactions, watch.SpecAllTransactions, model.CollTransactions), model.LedgerFromDoc)
}

// PoolAccounts returns the caller's pool accounts.
func (s *Session) PoolAccounts() []model.PoolAccount {
	return decode(s.own(watch.SpecPoolAccounts, watch.SpecAllPoolAccounts, model.CollPoolAccounts), model.PoolAccountFromDoc)
}

// AllLedgers returns every ledger record visible to an admin session, keyed by identity.
func (s *Session) AllLedgers() map[string][]model.LedgerRecord {
	m, ok := s.engine.Mirror(watch.SpecAllTransactions)
	if !ok {
		return nil
	}
	out := make(map[string][]model.LedgerRecord)
	for _, d := range m.Docs() {
		owner := ownerOf(d)
		rec, err := model.LedgerFromDoc(d)
		if err != nil {
			slog.Warn("skipping undecodable ledger record", "path", d.Path(), "error", err)
			continue
		}
		out[owner] = append(out[owner], rec)
	}
	return out
}

// Products returns the mirrored products.
func (s *Session) Products() []model.Product {
	return decode(s.docs(watch.SpecProducts), model.ProductFromDoc)
}

// Settings returns settings/global layered over the session rules.
func (s *Session) Settings() model.Settings {
	m, ok := s.engine.Mirror(watch.SpecSettings)
	if !ok {
		return s.rules.Settings
	}
	fields, ok := m.Fields()
	if !ok {
		return s.rules.Settings
	}
	settings, err := model.SettingsFromDoc(fields, s.rules.Settings)
	if err != nil {
		slog.Warn("using default settings", "error", err)
	}
	return settings
}

// Team returns the mirrored team members.
func (s *Session) Team() []model.TeamMember {
	return decode(s.docs(watch.SpecTeam), model.TeamMemberFromDoc)
}

// Users returns every user profile. Empty for user sessions.
func (s *Session) Users() []model.UserProfile {
	return decode(s.docs(watch.SpecUsers), model.ProfileFromDoc)
}

func (s *Session) docs(spec string) []remote.Document {
	m, ok := s.engine.Mirror(spec)
	if !ok {
		return nil
	}
	return m.Docs()
}

// own returns the caller's documents of a per-identity collection: the
// per-identity mirror when the role has one, else the caller's slice of the
// collection-group mirror.
func (s *Session) own(spec, group, collection string) []remote.Document {
	if m, ok := s.engine.Mirror(spec); ok {
		return m.Docs()
	}
	path := remote.UserPath(s.identity.ID, collection)
	var out []remote.Document
	for _, d := range s.docs(group) {
		if d.Collection == path {
			out = append(out, d)
		}
	}
	return out
}

// ownerOf extracts {identity} from users/{identity}/collection.
func ownerOf(d remote.Document) string {
	rest, ok := strings.CutPrefix(d.Collection, remote.UsersCollection+"/")
	if !ok {
		return ""
	}
	owner, _, _ := strings.Cut(rest, "/")
	return owner
}

func decode[T any](docs []remote.Document, fn func(remote.Document) (T, error)) []T {
	out, errs := model.DecodeAll(docs, fn)
	for _, err := range errs {
		slog.Warn("skipping undecodable document", "error", err)
	}
	return out
}
