package octo

import (
	"octotelematics-backend/lib/restyutil"
	"octotelematics-backend/lib/telemetry"
)

var tracer = telemetry.Tracer("octotelematics.lib.scrapers.octo")
var restyInstrumentOutput restyutil.InstrumentOutput

// must be called before NewClient for the output to take effect
func SetRestyInstrumentOutput(out restyutil.InstrumentOutput) {
	restyInstrumentOutput = out
}
