// Package flagz is the Go client for the flagz evaluation service.
//
// A Client polls the service for pre-evaluated flags, caches them in a
// pluggable storage.Store, notifies subscribers when flags change and
// reports flag usage back to the service.
//
//	client, err := flagz.New(flagz.Config{
//		APIURL:      "https://flags.example.com/api",
//		APIToken:    os.Getenv("FLAGZ_API_TOKEN"),
//		AppName:     "checkout",
//		Environment: "production",
//	})
//	if err != nil {
//		return err
//	}
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Stop()
//
//	if client.IsEnabled("new-checkout") {
//		// ...
//	}
//
// # Variation families
//
// The variation accessors come in three families that deliberately disagree
// about disabled flags:
//
//   - BoolVariation and friends are lenient. BoolVariation returns the
//     flag's enabled state, while String, Number, Int and JSON variations
//     return the payload even when the flag is disabled.
//   - The Details family checks enabled first and returns the default with
//     reason "disabled" for a disabled flag.
//   - The OrError family returns a *VariationError for unknown flags,
//     missing payloads and kind mismatches, and ignores enabled for payload
//     kinds.
//
// # Explicit sync
//
// With Config.ExplicitSync set, fetched flags land in a realtime snapshot
// but accessors keep reading the synchronized snapshot until SyncFlags is
// called. This lets an application apply flag changes at a moment of its
// choosing, for example between two screens.
package flagz

import (
	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/fetcher"
	"github.com/matt-riley/flagz-go/internal/proxy"
	"github.com/matt-riley/flagz-go/internal/store"
	"github.com/matt-riley/flagz-go/internal/transport"
	"github.com/matt-riley/flagz-go/internal/usage"
)

type (
	EvaluatedFlag     = core.EvaluatedFlag
	Variant           = core.Variant
	Payload           = core.Payload
	PayloadKind       = core.PayloadKind
	EvaluationContext = core.EvaluationContext

	// FlagProxy is a read-only view of one flag, captured when it was
	// requested.
	FlagProxy = proxy.Proxy
	// Result is the outcome of a Details variation.
	Result[T any]  = proxy.Result[T]
	VariationError = proxy.VariationError

	// FlagChange is the payload of per-flag change and synced events.
	FlagChange = store.FlagChange

	InitEvent     = fetcher.InitEvent
	ErrorEvent    = fetcher.ErrorEvent
	FetchEndEvent = fetcher.FetchEndEvent
	State         = fetcher.State

	// MetricsBucket is the payload of the metrics sent event.
	MetricsBucket = usage.Bucket
	// FlushError is the payload of the metrics error event.
	FlushError = usage.FlushError

	APIError       = transport.APIError
	TransportError = transport.TransportError

	Handler         = eventbus.Handler
	WildcardHandler = eventbus.WildcardHandler
)

// Payload kinds.
const (
	PayloadNone   = core.PayloadNone
	PayloadString = core.PayloadString
	PayloadNumber = core.PayloadNumber
	PayloadJSON   = core.PayloadJSON
)

// Engine states.
const (
	StateInitializing = fetcher.StateInitializing
	StateHealthy      = fetcher.StateHealthy
	StateError        = fetcher.StateError
)

// Context field names for SetContextField and RemoveContextField. Any other
// name sets a custom property.
const (
	FieldUserID      = core.FieldUserID
	FieldSessionID   = core.FieldSessionID
	FieldDeviceID    = core.FieldDeviceID
	FieldCurrentTime = core.FieldCurrentTime
)

// Event names. Handlers receive the payload type noted next to each.
const (
	EventInit        = eventbus.EventInit        // InitEvent
	EventReady       = eventbus.EventReady       // nil
	EventFetchStart  = eventbus.EventFetchStart  // nil
	EventFetchEnd    = eventbus.EventFetchEnd    // FetchEndEvent
	EventError       = eventbus.EventError       // ErrorEvent
	EventRecovered   = eventbus.EventRecovered   // nil
	EventChange      = eventbus.EventChange      // []EvaluatedFlag
	EventRemoved     = eventbus.EventRemoved     // []string
	EventSync        = eventbus.EventSync        // nil
	EventPendingSync = eventbus.EventPendingSync // nil
	EventImpression  = eventbus.EventImpression  // Impression
	EventMetricsSent = eventbus.EventMetricsSent // MetricsBucket
	EventMetricsErr  = eventbus.EventMetricsErr  // *FlushError
)

// FlagChangeEvent names the event emitted with a FlagChange when the
// realtime value of flag name is created or updated.
func FlagChangeEvent(name string) string { return eventbus.FlagChangeEvent(name) }

// FlagSyncedEvent names the event emitted with a FlagChange when the
// synchronized value of flag name is created or updated.
func FlagSyncedEvent(name string) string { return eventbus.FlagSyncedEvent(name) }

var (
	ErrFetchInProgress      = fetcher.ErrFetchInProgress
	ErrOfflineNoData        = fetcher.ErrOfflineNoData
	ErrOffline              = fetcher.ErrOffline
	ErrStopped              = fetcher.ErrStopped
	ErrSuperseded           = fetcher.ErrSuperseded
	ErrExplicitSyncDisabled = store.ErrExplicitSyncDisabled
	ErrFlagNotFound         = proxy.ErrFlagNotFound
	ErrNoPayload            = proxy.ErrNoPayload
	ErrTypeMismatch         = proxy.ErrTypeMismatch
	ErrSystemField          = core.ErrSystemField
	ErrInvalidFieldValue    = core.ErrInvalidFieldValue
)

// StringPayload, NumberPayload and JSONPayload build variant payloads, for
// bootstrap data and tests.
var (
	StringPayload = core.StringPayload
	NumberPayload = core.NumberPayload
	JSONPayload   = core.JSONPayload
)
