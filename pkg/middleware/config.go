package middleware

// Config is the full configuration for the redact -> hash-PII -> sample
// -> enrich chain.
type Config struct {
	Redact   RedactConfig
	PII      PIIConfig
	Sampling SamplingConfig
	Enrich   EnrichConfig
}
