// Command worker consumes the IoT rule events of the certificate rotation from an SQS
// queue. It is the long running alternative to the lambda function.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot/awscloud"
	"github.com/relabs-tech/certrotation/iot/sqsbridge"
)

// Service holds the configuration for this service
type Service struct {
	awscloud.Config
	QueueURL string `env:"QUEUE_URL,required" description:"the SQS queue the IoT rules deliver to"`
	Workers  int    `env:"WORKERS,default=4" description:"number of concurrent handlers"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsConfig, err := awscloud.LoadAWSConfig(ctx, &service.Config)
	if err != nil {
		panic(err)
	}
	stack := awscloud.NewStack(awsConfig, &service.Config)
	defer stack.Close()

	bridge := sqsbridge.NewBridge(&sqsbridge.Builder{
		Client:   sqs.NewFromConfig(awsConfig),
		QueueURL: service.QueueURL,
		Handler:  stack.Handler,
		Workers:  service.Workers,
	})
	logger.Default().Infoln("consuming", service.QueueURL)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Default().WithError(err).Errorln("worker stopped")
	}
}
