// Package awscloud wires the rotation handler to AWS: records in DynamoDB, certificates
// in AWS IoT, authority keys in SSM, replies through the IoT data plane and an optional
// certificate archive in S3
package awscloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsiotsdk "github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot/archive"
	"github.com/relabs-tech/certrotation/iot/awspublish"
	"github.com/relabs-tech/certrotation/iot/events"
	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/awsiot"
	"github.com/relabs-tech/certrotation/rotation"
	"github.com/relabs-tech/certrotation/store"
)

// Config holds the configuration of the AWS deployment. It is decoded from the environment
// with envdecode.
type Config struct {
	LogLevel           string        `env:"LOG_LEVEL,default=info" description:"the log level"`
	Region             string        `env:"AWS_REGION,optional" description:"the AWS region, defaults to the SDK configuration"`
	AccessKeyID        string        `env:"CR_ACCESS_KEY_ID,optional" description:"static access key, defaults to the SDK credential chain"`
	SecretAccessKey    string        `env:"CR_SECRET_ACCESS_KEY,optional" description:"static secret key"`
	DataEndpoint       string        `env:"IOT_DATA_ENDPOINT,optional" description:"the iot:Data-ATS endpoint, for example https://xxx-ats.iot.eu-central-1.amazonaws.com"`
	TopicPrefix        string        `env:"TOPIC_PREFIX,default=/" description:"prefix of the cert-rotation topics"`
	Table              string        `env:"DYNAMODB_TABLE,default=cr-device-table" description:"the DynamoDB table of the device records"`
	PolicyName         string        `env:"IOT_POLICY_NAME,default=CrCertRotationCompleteCertPolicy" description:"policy attached to manufacturer certificates"`
	KeyParameterFormat string        `env:"CA_KEY_PARAMETER_FORMAT,default=cr-ca-key-%s" description:"SSM parameter name of a CA key, formatted with the CA certificate id"`
	ArchiveBucket      string        `env:"ARCHIVE_BUCKET,optional" description:"S3 bucket which archives issued certificates"`
	ArchivePrefix      string        `env:"ARCHIVE_PREFIX,default=cert-rotation/" description:"key prefix in the archive bucket"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS,optional" description:"semicolon separated kafka brokers for transition events"`
	KafkaTopic         string        `env:"KAFKA_TOPIC,default=cert-rotation.transitions" description:"kafka topic for transition events"`
}

// LoadAWSConfig loads the SDK configuration. Static credentials take precedence over the
// default credential chain.
func LoadAWSConfig(ctx context.Context, c *Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Stack is the wired handler and the resources to release on shutdown
type Stack struct {
	Handler  *rotation.Handler
	notifier *events.Notifier
}

// Close releases the kafka writer
func (s *Stack) Close() error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Close()
}

// NewStack wires the rotation handler to the AWS services
func NewStack(awsConfig aws.Config, c *Config) *Stack {
	rlog := logger.Default()
	iotClient := awsiotsdk.NewFromConfig(awsConfig)
	registry := awsiot.NewRegistry(&awsiot.Builder{Client: iotClient, PolicyName: c.PolicyName})
	signer := &issuer.LocalCA{
		Authorities: registry,
		Keys:        &issuer.SSMKeySource{Client: ssm.NewFromConfig(awsConfig), ParameterFormat: c.KeyParameterFormat},
	}

	dataClient := iotdataplane.NewFromConfig(awsConfig, func(o *iotdataplane.Options) {
		if c.DataEndpoint != "" {
			o.EndpointResolver = iotdataplane.EndpointResolverFromURL(c.DataEndpoint)
		}
	})

	s := &Stack{}
	b := &rotation.Builder{
		Store:     store.NewDynamoDB(dynamodb.NewFromConfig(awsConfig), c.Table),
		Issuer:    issuer.New(signer, registry, registry),
		Publisher: &awspublish.Publisher{Client: dataClient},
		Topics:    rotation.Topics{Prefix: c.TopicPrefix},
	}
	if c.ArchiveBucket != "" {
		rlog.Infof("archiving certificates in s3://%s/%s", c.ArchiveBucket, c.ArchivePrefix)
		b.Archiver = archive.New(&archive.Builder{Config: &awsConfig, Bucket: c.ArchiveBucket, KeyPrefix: c.ArchivePrefix})
	}
	if len(c.KafkaBrokers) > 0 {
		rlog.Infof("publishing transitions to kafka topic %s", c.KafkaTopic)
		s.notifier = events.NewNotifier(&events.Builder{Brokers: c.KafkaBrokers, Topic: c.KafkaTopic})
		b.Notifier = s.notifier
	}
	s.Handler = rotation.NewHandler(b)
	return s
}
