package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-payment-ledger/internal/app"
	"github.com/imrishuroy/go-payment-ledger/internal/config"
	"github.com/imrishuroy/go-payment-ledger/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	a, err := app.Build(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.Log.Error("shutdown", "err", err)
		}
	}()

	processor := worker.NewProcessor(a.Orchestrator, a.Commands, a.Log)

	// RUN_LOCAL=true feeds a single message through the handler instead of
	// starting the Lambda runtime.
	if os.Getenv("RUN_LOCAL") == "true" {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: body},
			},
		}
		resp, err := processor.Handle(ctx, event)
		if err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		if len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local message failed and would be retried")
		}
		return
	}

	lambda.Start(processor.Handle)
}
