package domain

// Content types used on the wire and in bot invocations.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeFHIRJSON = "application/fhir+json"
	ContentTypeHL7V2    = "x-application/hl7-v2+er7"
	ContentTypeText     = "text/plain"
)
