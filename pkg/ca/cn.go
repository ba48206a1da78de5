package ca

import "strings"

// CNFormat selects how device certificate Common Names are constructed.
type CNFormat string

const (
	// CNFormatLegacy produces {PREFIX}-{deviceId}.
	CNFormatLegacy CNFormat = "legacy"
	// CNFormatStructured produces {PREFIX}-{ORDER}-{BATCH}-{DEVICE}, enabling
	// bulk revocation by order or batch.
	CNFormatStructured CNFormat = "structured"
)

// FormatCN builds the Common Name for a device certificate. order and batch
// are ignored for the legacy format; the structured format uses them when
// both are non-empty and otherwise falls back to the legacy form.
func FormatCN(format CNFormat, prefix, deviceID, order, batch string) string {
	if format == CNFormatStructured && order != "" && batch != "" {
		return strings.Join([]string{prefix, order, batch, deviceID}, "-")
	}
	return prefix + "-" + deviceID
}

// ExpectedCNs returns every CN the validator should accept for a CSR: the
// legacy form always, plus the structured form when order/batch are
// supplied, regardless of the server's configured default format — a
// device provisioned under the old scheme must still validate after the
// fleet switches format.
func ExpectedCNs(prefix, deviceID, order, batch string) []string {
	cns := []string{FormatCN(CNFormatLegacy, prefix, deviceID, "", "")}
	if order != "" && batch != "" {
		cns = append(cns, FormatCN(CNFormatStructured, prefix, deviceID, order, batch))
	}
	return cns
}
