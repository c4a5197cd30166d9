// Package proxy implements the read-only, per-flag view applications use to
// extract typed values.
//
// There are three families with intentionally different semantics:
//
//   - Lenient (XxxVariation): BoolVariation returns the flag's enabled state.
//     The payload accessors return the payload whenever one can be read and
//     never consult enabled, so a disabled flag still yields its payload.
//   - Detailed (XxxVariationDetails): check enabled first and return the
//     caller default with reason "disabled" before looking at the payload.
//   - Strict (XxxVariationOrError): return a *VariationError for unknown
//     flags, absent payloads and kind mismatches. Like the lenient family
//     they ignore enabled for payload kinds.
//
// Every variation call reports the access through the AccessFunc before the
// result is computed.
package proxy

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/matt-riley/flagz-go/internal/core"
)

// KindBoolean is reported to AccessFunc for boolean accesses.
const KindBoolean = "boolean"

// Reasons reported by the detailed family.
const (
	ReasonFlagNotFound = "flag_not_found"
	ReasonDisabled     = "disabled"
	ReasonNoPayload    = "no_payload"
	ReasonEvaluated    = "evaluated"
)

// KindInteger is the expected kind reported for integer accessors.
const KindInteger = "integer"

// AccessFunc observes a variation call. flag is nil when the flag is unknown.
type AccessFunc func(name string, flag *core.EvaluatedFlag, kind string)

// Result is the outcome of a detailed variation call.
type Result[T any] struct {
	Value      T
	Reason     string
	FlagExists bool
	Enabled    bool
}

// Proxy is bound to one flag name and the flag value captured when it was
// created. It is safe for concurrent use.
type Proxy struct {
	name   string
	flag   *core.EvaluatedFlag
	access AccessFunc
}

// New returns a proxy for name. flag is nil when the flag is unknown; access
// may be nil.
func New(name string, flag *core.EvaluatedFlag, access AccessFunc) *Proxy {
	return &Proxy{name: name, flag: flag, access: access}
}

func (p *Proxy) report(kind string) {
	if p.access != nil {
		p.access(p.name, p.flag, kind)
	}
}

// Name returns the flag name the proxy is bound to.
func (p *Proxy) Name() string { return p.name }

// Exists reports whether the flag is present in the snapshot.
func (p *Proxy) Exists() bool { return p.flag != nil }

// Enabled reports the flag's enabled state, false when unknown. It counts as
// an access.
func (p *Proxy) Enabled() bool {
	p.report(KindBoolean)
	return p.flag != nil && p.flag.Enabled
}

// Variant returns the resolved variant, or the zero Variant when unknown.
func (p *Proxy) Variant() core.Variant {
	if p.flag == nil {
		return core.Variant{}
	}
	return p.flag.Variant
}

// PayloadKind returns the kind of the resolved payload.
func (p *Proxy) PayloadKind() core.PayloadKind {
	if p.flag == nil {
		return core.PayloadNone
	}
	return p.flag.Variant.Payload.Kind()
}

func (p *Proxy) Version() int64 {
	if p.flag == nil {
		return 0
	}
	return p.flag.Version
}

func (p *Proxy) Reason() string {
	if p.flag == nil {
		return ""
	}
	return p.flag.Reason
}

func (p *Proxy) ImpressionFlag() bool {
	return p.flag != nil && p.flag.ImpressionFlag
}

// Flag returns a copy of the underlying flag, or nil when unknown.
func (p *Proxy) Flag() *core.EvaluatedFlag {
	if p.flag == nil {
		return nil
	}
	f := p.flag.Clone()
	return &f
}

func (p *Proxy) payload() core.Payload {
	if p.flag == nil {
		return core.Payload{}
	}
	return p.flag.Variant.Payload
}

// Lenient family.

// BoolVariation returns enabled, or def when the flag is unknown.
func (p *Proxy) BoolVariation(def bool) bool {
	p.report(KindBoolean)
	if p.flag == nil {
		return def
	}
	return p.flag.Enabled
}

// StringVariation returns the payload as a string. Numbers are formatted and
// JSON payloads are returned as their compact text.
func (p *Proxy) StringVariation(def string) string {
	p.report(string(core.PayloadString))
	if v, ok := lenientString(p.payload()); ok {
		return v
	}
	return def
}

// NumberVariation returns the payload as a number. Numeric strings are
// parsed.
func (p *Proxy) NumberVariation(def float64) float64 {
	p.report(string(core.PayloadNumber))
	if v, ok := lenientNumber(p.payload()); ok {
		return v
	}
	return def
}

// IntVariation is NumberVariation for whole numbers. Fractional payloads
// yield def.
func (p *Proxy) IntVariation(def int) int {
	p.report(string(core.PayloadNumber))
	if v, ok := lenientNumber(p.payload()); ok {
		if i, ok := core.WholeInt(v); ok {
			return i
		}
	}
	return def
}

// JSONVariation returns the decoded payload (map, slice or scalar). String
// payloads holding a JSON object or array are decoded as well.
func (p *Proxy) JSONVariation(def any) any {
	p.report(string(core.PayloadJSON))
	if v, ok := lenientJSON(p.payload()); ok {
		return v
	}
	return def
}

// Detailed family.

// BoolVariationDetails returns def with reason "disabled" for a disabled
// flag, like the other detailed variations.
func (p *Proxy) BoolVariationDetails(def bool) Result[bool] {
	p.report(KindBoolean)
	switch {
	case p.flag == nil:
		return Result[bool]{Value: def, Reason: ReasonFlagNotFound}
	case !p.flag.Enabled:
		return Result[bool]{Value: def, Reason: ReasonDisabled, FlagExists: true}
	}
	return Result[bool]{Value: true, Reason: p.successReason(), FlagExists: true, Enabled: true}
}

func (p *Proxy) StringVariationDetails(def string) Result[string] {
	p.report(string(core.PayloadString))
	return details(p, def, string(core.PayloadString), core.Payload.AsString)
}

func (p *Proxy) NumberVariationDetails(def float64) Result[float64] {
	p.report(string(core.PayloadNumber))
	return details(p, def, string(core.PayloadNumber), core.Payload.AsNumber)
}

func (p *Proxy) IntVariationDetails(def int) Result[int] {
	p.report(string(core.PayloadNumber))
	return details(p, def, KindInteger, asInt)
}

func (p *Proxy) JSONVariationDetails(def any) Result[any] {
	p.report(string(core.PayloadJSON))
	return details(p, def, string(core.PayloadJSON), asJSON)
}

// Strict family.

// BoolVariationOrError returns enabled, or an error when the flag is unknown.
func (p *Proxy) BoolVariationOrError() (bool, error) {
	p.report(KindBoolean)
	if p.flag == nil {
		return false, p.notFound()
	}
	return p.flag.Enabled, nil
}

func (p *Proxy) StringVariationOrError() (string, error) {
	p.report(string(core.PayloadString))
	return strict(p, string(core.PayloadString), core.Payload.AsString)
}

func (p *Proxy) NumberVariationOrError() (float64, error) {
	p.report(string(core.PayloadNumber))
	return strict(p, string(core.PayloadNumber), core.Payload.AsNumber)
}

func (p *Proxy) IntVariationOrError() (int, error) {
	p.report(string(core.PayloadNumber))
	return strict(p, KindInteger, asInt)
}

func (p *Proxy) JSONVariationOrError() (any, error) {
	p.report(string(core.PayloadJSON))
	return strict(p, string(core.PayloadJSON), asJSON)
}

func (p *Proxy) successReason() string {
	if p.flag.Reason == "" {
		return ReasonEvaluated
	}
	return p.flag.Reason
}

func (p *Proxy) notFound() error {
	return &VariationError{Code: CodeFlagNotFound, Flag: p.name}
}

func details[T any](p *Proxy, def T, expected string, extract func(core.Payload) (T, bool)) Result[T] {
	if p.flag == nil {
		return Result[T]{Value: def, Reason: ReasonFlagNotFound}
	}
	if !p.flag.Enabled {
		return Result[T]{Value: def, Reason: ReasonDisabled, FlagExists: true}
	}
	payload := p.flag.Variant.Payload
	if !payload.Present() {
		return Result[T]{Value: def, Reason: ReasonNoPayload, FlagExists: true, Enabled: true}
	}
	v, ok := extract(payload)
	if !ok {
		return Result[T]{Value: def, Reason: TypeMismatchReason(expected, string(payload.Kind())), FlagExists: true, Enabled: true}
	}
	return Result[T]{Value: v, Reason: p.successReason(), FlagExists: true, Enabled: true}
}

func strict[T any](p *Proxy, expected string, extract func(core.Payload) (T, bool)) (T, error) {
	var zero T
	if p.flag == nil {
		return zero, p.notFound()
	}
	payload := p.flag.Variant.Payload
	if !payload.Present() {
		return zero, &VariationError{Code: CodeNoPayload, Flag: p.name}
	}
	v, ok := extract(payload)
	if !ok {
		return zero, &VariationError{
			Code:     CodeTypeMismatch,
			Flag:     p.name,
			Expected: expected,
			Actual:   string(payload.Kind()),
		}
	}
	return v, nil
}

// TypeMismatchReason formats the detailed reason for a kind mismatch.
func TypeMismatchReason(expected, actual string) string {
	return "type_mismatch:expected_" + expected + "_got_" + actual
}

func asInt(p core.Payload) (int, bool) {
	n, ok := p.AsNumber()
	if !ok {
		return 0, false
	}
	return core.WholeInt(n)
}

func asJSON(p core.Payload) (any, bool) {
	raw, ok := p.AsJSON()
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func lenientString(p core.Payload) (string, bool) {
	switch p.Kind() {
	case core.PayloadString:
		return p.AsString()
	case core.PayloadNumber:
		n, _ := p.AsNumber()
		return core.FormatScalar(n)
	case core.PayloadJSON:
		raw, _ := p.AsJSON()
		return string(raw), true
	}
	return "", false
}

func lenientNumber(p core.Payload) (float64, bool) {
	switch p.Kind() {
	case core.PayloadNumber:
		return p.AsNumber()
	case core.PayloadString:
		s, _ := p.AsString()
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return n, core.IsScalar(n)
	}
	return 0, false
}

func lenientJSON(p core.Payload) (any, bool) {
	switch p.Kind() {
	case core.PayloadJSON:
		return asJSON(p)
	case core.PayloadString:
		s, _ := p.AsString()
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
			return nil, false
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}
