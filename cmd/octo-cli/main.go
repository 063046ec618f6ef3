package main

import (
	"context"

	"octotelematics-backend/cmd/octo-cli/commands"
	"octotelematics-backend/lib/telemetry"
)

func main() {
	ctx := context.Background()
	telemetry.InitSlog(true)
	telemetry.SetupFromEnv(ctx, "octo-cli")
	commands.ExecuteContext(ctx)
}
