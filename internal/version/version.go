// ABOUTME: Version and product identification constants
// ABOUTME: Reported by the health endpoint, the TUI and the CLI
package version

const (
	// Version is the bridge release
	Version = "0.4.0"

	// Product is the product name
	Product = "OrchestX Bridge"

	// Manufacturer identifies the vendor
	Manufacturer = "OrchestX"
)

// String returns "Product Version"
func String() string {
	return Product + " " + Version
}
