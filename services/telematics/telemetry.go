package telematics

import "octotelematics-backend/lib/telemetry"

var tracer = telemetry.Tracer("octotelematics.services.telematics")
