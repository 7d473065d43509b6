//go:build !linux

package platform

// NewLocator returns NoLocator; positions come only from GeoClue on Linux.
func NewLocator() Locator {
	return NoLocator{}
}
