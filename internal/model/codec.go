package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// ErrBadField is returned when a document field has the wrong type.
var ErrBadField = errors.New("model: bad field")

// fieldReader decodes fields leniently (missing is zero) but strictly
// (wrong type is an error). The first error sticks.
type fieldReader struct {
	f   doc.Object
	err error
}

func (r *fieldReader) str(key string) string {
	v, ok := r.f[key]
	if !ok || r.err != nil {
		return ""
	}
	s, ok := v.(doc.String)
	if !ok {
		r.err = fmt.Errorf("%w: %q is %T, want string", ErrBadField, key, v)
		return ""
	}
	return string(s)
}

func (r *fieldReader) int(key string) int64 {
	v, ok := r.f[key]
	if !ok || r.err != nil {
		return 0
	}
	n, ok := v.(doc.Int)
	if !ok {
		r.err = fmt.Errorf("%w: %q is %T, want int", ErrBadField, key, v)
		return 0
	}
	return int64(n)
}

func (r *fieldReader) bool(key string) bool {
	v, ok := r.f[key]
	if !ok || r.err != nil {
		return false
	}
	b, ok := v.(doc.Bool)
	if !ok {
		r.err = fmt.Errorf("%w: %q is %T, want bool", ErrBadField, key, v)
		return false
	}
	return bool(b)
}

func (r *fieldReader) obj(key string) (doc.Object, bool) {
	v, ok := r.f[key]
	if !ok || r.err != nil {
		return nil, false
	}
	if _, isNull := v.(doc.Null); isNull {
		return nil, false
	}
	o, ok := v.(doc.Object)
	if !ok {
		r.err = fmt.Errorf("%w: %q is %T, want object", ErrBadField, key, v)
		return nil, false
	}
	return o, true
}

func (r *fieldReader) millis(key string) time.Time {
	ms := r.int(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millis(t time.Time) doc.Int {
	if t.IsZero() {
		return 0
	}
	return doc.Int(t.UnixMilli())
}

// LedgerFromDoc decodes a transactions document.
func LedgerFromDoc(d remote.Document) (LedgerRecord, error) {
	r := &fieldReader{f: d.Fields}
	rec := LedgerRecord{
		ID:          d.ID,
		Kind:        LedgerKind(r.str("type")),
		AmountMinor: r.int("amount"),
		Timestamp:   r.millis("timestamp"),
		Status:      LedgerStatus(r.str("status")),
		Description: r.str("description"),
	}
	if pd, ok := r.obj("pushDetails"); ok {
		pr := &fieldReader{f: pd}
		rec.PushDetails = &PushDetails{
			ProductName:     pr.str("productName"),
			AccountName:     pr.str("accountName"),
			AccountPlatform: pr.str("accountPlatform"),
			TargetPlatform:  pr.str("targetPlatform"),
		}
		if pr.err != nil && r.err == nil {
			r.err = fmt.Errorf("pushDetails: %w", pr.err)
		}
	}
	if r.err != nil {
		return LedgerRecord{}, fmt.Errorf("ledger record %s: %w", d.ID, r.err)
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}
	return rec, nil
}

// Fields encodes a ledger record for storage.
func (l LedgerRecord) Fields() doc.Object {
	f := doc.Object{
		"type":      doc.String(l.Kind),
		"amount":    doc.Int(l.AmountMinor),
		"timestamp": millis(l.Timestamp),
		"status":    doc.String(l.Status),
	}
	if l.Description != "" {
		f["description"] = doc.String(l.Description)
	}
	if l.PushDetails != nil {
		f["pushDetails"] = doc.Object{
			"productName":     doc.String(l.PushDetails.ProductName),
			"accountName":     doc.String(l.PushDetails.AccountName),
			"accountPlatform": doc.String(l.PushDetails.AccountPlatform),
			"targetPlatform":  doc.String(l.PushDetails.TargetPlatform),
		}
	}
	return f
}

// PoolAccountFromDoc decodes a poolAccounts document.
func PoolAccountFromDoc(d remote.Document) (PoolAccount, error) {
	r := &fieldReader{f: d.Fields}
	a := PoolAccount{
		ID:            d.ID,
		DisplayName:   r.str("displayName"),
		PlatformLabel: r.str("platform"),
		CreatedAt:     r.millis("createdAt"),
	}
	if r.err != nil {
		return PoolAccount{}, fmt.Errorf("pool account %s: %w", d.ID, r.err)
	}
	return a, nil
}

// Fields encodes a pool account for storage.
func (a PoolAccount) Fields() doc.Object {
	return doc.Object{
		"displayName": doc.String(a.DisplayName),
		"platform":    doc.String(a.PlatformLabel),
		"createdAt":   millis(a.CreatedAt),
	}
}

// TeamMemberFromDoc decodes a team document. Identity defaults to the document id.
func TeamMemberFromDoc(d remote.Document) (TeamMember, error) {
	r := &fieldReader{f: d.Fields}
	m := TeamMember{
		ID:         d.ID,
		Identity:   r.str("identity"),
		Role:       r.str("role"),
		ReferrerID: r.str("referrerId"),
	}
	if r.err != nil {
		return TeamMember{}, fmt.Errorf("team member %s: %w", d.ID, r.err)
	}
	if m.Identity == "" {
		m.Identity = d.ID
	}
	return m, nil
}

// Fields encodes a team member for storage.
func (m TeamMember) Fields() doc.Object {
	f := doc.Object{
		"identity": doc.String(m.Identity),
		"role":     doc.String(m.Role),
	}
	if m.ReferrerID != "" {
		f["referrerId"] = doc.String(m.ReferrerID)
	}
	return f
}

// ProductFromDoc decodes a products document. Active defaults to true when absent.
func ProductFromDoc(d remote.Document) (Product, error) {
	r := &fieldReader{f: d.Fields}
	p := Product{
		ID:              d.ID,
		Name:            r.str("name"),
		PushLimit:       int(r.int("pushLimit")),
		Active:          true,
		CommissionMinor: r.int("commission"),
	}
	if _, ok := d.Fields["active"]; ok {
		p.Active = r.bool("active")
	}
	if r.err != nil {
		return Product{}, fmt.Errorf("product %s: %w", d.ID, r.err)
	}
	if p.Name == "" {
		p.Name = d.ID
	}
	return p, nil
}

// Fields encodes a product for storage.
func (p Product) Fields() doc.Object {
	f := doc.Object{
		"name":   doc.String(p.Name),
		"active": doc.Bool(p.Active),
	}
	if p.PushLimit > 0 {
		f["pushLimit"] = doc.Int(p.PushLimit)
	}
	if p.CommissionMinor > 0 {
		f["commission"] = doc.Int(p.CommissionMinor)
	}
	return f
}

// ProfileFromDoc decodes a users document.
func ProfileFromDoc(d remote.Document) (UserProfile, error) {
	r := &fieldReader{f: d.Fields}
	p := UserProfile{
		Identity: d.ID,
		Role:     r.str("role"),
		Frozen:   r.bool("frozen"),
		Hidden:   r.bool("hidden"),
	}
	if r.err != nil {
		return UserProfile{}, fmt.Errorf("profile %s: %w", d.ID, r.err)
	}
	return p, nil
}

// Fields encodes a profile for storage.
func (p UserProfile) Fields() doc.Object {
	return doc.Object{
		"role":   doc.String(p.Role),
		"frozen": doc.Bool(p.Frozen),
		"hidden": doc.Bool(p.Hidden),
	}
}

// SettingsFromDoc decodes settings/global over defaults: absent or zero
// fields keep the default value.
func SettingsFromDoc(fields doc.Object, defaults Settings) (Settings, error) {
	r := &fieldReader{f: fields}
	s := defaults
	if v := r.int("defaultPushLimit"); v > 0 {
		s.DefaultPushLimit = int(v)
	}
	if v := r.int("commission"); v > 0 {
		s.CommissionMinor = v
	}
	if v := r.int("midTier"); v > 0 {
		s.MidTier = int(v)
	}
	if v := r.int("highTier"); v > 0 {
		s.HighTier = int(v)
	}
	if v := r.int("poolAccountPrice"); v > 0 {
		s.PoolAccountPriceMinor = v
	}
	if r.err != nil {
		return defaults, fmt.Errorf("settings: %w", r.err)
	}
	return s, nil
}

// Fields encodes settings for storage.
func (s Settings) Fields() doc.Object {
	return doc.Object{
		"defaultPushLimit": doc.Int(s.DefaultPushLimit),
		"commission":       doc.Int(s.CommissionMinor),
		"midTier":          doc.Int(s.MidTier),
		"highTier":         doc.Int(s.HighTier),
		"poolAccountPrice": doc.Int(s.PoolAccountPriceMinor),
	}
}

// DecodeAll decodes every document with fn, skipping and collecting
// undecodable ones so one bad record cannot hide the rest.
func DecodeAll[T any](docs []remote.Document, fn func(remote.Document) (T, error)) ([]T, []error) {
	out := make([]T, 0, len(docs))
	var errs []error
	for _, d := range docs {
		v, err := fn(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v)
	}
	return out, errs
}
