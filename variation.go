package flagz

import "github.com/matt-riley/flagz-go/internal/proxy"

// Flag returns a proxy for name bound to the flag value current at the time
// of the call. The proxy is returned for unknown flags too; its accessors
// then yield defaults. Every variation call on it counts as an access.
func (c *Client) Flag(name string) *FlagProxy {
	return proxy.New(name, c.store.Lookup(name), c.access)
}

// IsEnabled reports whether the flag is enabled, false when unknown.
func (c *Client) IsEnabled(name string) bool {
	return c.Flag(name).Enabled()
}

// Variant returns the flag's variant, or the zero Variant when unknown.
func (c *Client) Variant(name string) Variant {
	return c.Flag(name).Variant()
}

// AllFlags returns the flags accessors currently read, sorted by name.
func (c *Client) AllFlags() []EvaluatedFlag {
	return c.store.Select().List()
}

func (c *Client) BoolVariation(name string, def bool) bool {
	return c.Flag(name).BoolVariation(def)
}

func (c *Client) StringVariation(name, def string) string {
	return c.Flag(name).StringVariation(def)
}

func (c *Client) NumberVariation(name string, def float64) float64 {
	return c.Flag(name).NumberVariation(def)
}

func (c *Client) IntVariation(name string, def int) int {
	return c.Flag(name).IntVariation(def)
}

// JSONVariation returns the decoded JSON payload.
func (c *Client) JSONVariation(name string, def any) any {
	return c.Flag(name).JSONVariation(def)
}

func (c *Client) BoolVariationDetails(name string, def bool) Result[bool] {
	return c.Flag(name).BoolVariationDetails(def)
}

func (c *Client) StringVariationDetails(name, def string) Result[string] {
	return c.Flag(name).StringVariationDetails(def)
}

func (c *Client) NumberVariationDetails(name string, def float64) Result[float64] {
	return c.Flag(name).NumberVariationDetails(def)
}

func (c *Client) IntVariationDetails(name string, def int) Result[int] {
	return c.Flag(name).IntVariationDetails(def)
}

func (c *Client) JSONVariationDetails(name string, def any) Result[any] {
	return c.Flag(name).JSONVariationDetails(def)
}

func (c *Client) BoolVariationOrError(name string) (bool, error) {
	return c.Flag(name).BoolVariationOrError()
}

func (c *Client) StringVariationOrError(name string) (string, error) {
	return c.Flag(name).StringVariationOrError()
}

func (c *Client) NumberVariationOrError(name string) (float64, error) {
	return c.Flag(name).NumberVariationOrError()
}

func (c *Client) IntVariationOrError(name string) (int, error) {
	return c.Flag(name).IntVariationOrError()
}

func (c *Client) JSONVariationOrError(name string) (any, error) {
	return c.Flag(name).JSONVariationOrError()
}
