// Command lambda is the AWS Lambda function behind the IoT rules of the certificate
// rotation. The rules forward {"topic", "data", "client_id", "cert_id"}.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot"
	"github.com/relabs-tech/certrotation/iot/awscloud"
	"github.com/relabs-tech/certrotation/rotation"
)

// handleEvent dispatches one rule event. Temporary failures are returned so that Lambda
// retries the invocation, everything else was handled or dropped for good.
func handleEvent(handler iot.MessageHandler) func(ctx context.Context, payload json.RawMessage) error {
	return func(ctx context.Context, payload json.RawMessage) error {
		event, err := iot.ParseRuleEvent(payload)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("dropping invalid rule event")
			return nil
		}
		result := iot.Dispatch(ctx, handler, event)
		if result.Err != nil && rotation.Temporary(result.Err) {
			return result.Err
		}
		return nil
	}
}

func main() {
	config := &awscloud.Config{}
	if err := envdecode.Decode(config); err != nil {
		panic(err)
	}
	logger.InitLogger(config.LogLevel)

	awsConfig, err := awscloud.LoadAWSConfig(context.Background(), config)
	if err != nil {
		panic(err)
	}
	stack := awscloud.NewStack(awsConfig, config)
	defer stack.Close()

	lambda.Start(handleEvent(stack.Handler))
}
