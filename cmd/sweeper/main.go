package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"line-relay/handler"
	"line-relay/internal/app"
)

func main() {
	ctx := context.Background()

	a, err := app.Build(ctx)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewSweepHandler(a.Sweep, a.Log)
	if err != nil {
		slog.Error("failed to create sweep handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
