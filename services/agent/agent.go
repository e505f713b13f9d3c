// Command agent rotates the certificate of a device
//
//	agent provision     connect once with the vendor certificate
//	agent create-cert   request and store the manufacturer certificate
//	agent ack-cert      acknowledge the manufacturer certificate
//	agent rotate        create-cert and ack-cert, resuming where it stopped
//
// Defaults are read from the environment, flags take precedence.
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot/agent"
	"github.com/relabs-tech/certrotation/rotation"
)

// Service holds the configuration of the agent
type Service struct {
	DataDir      string        `env:"CR_DATA_DIR,default=./data_io" description:"directory of the device credentials"`
	SerialNumber string        `env:"CR_SERIAL_NUMBER,optional" description:"serial number of the device"`
	Broker       string        `env:"CR_BROKER,optional" description:"broker url, for example ssl://xxx-ats.iot.eu-central-1.amazonaws.com:8883"`
	RootCAFile   string        `env:"CR_ROOT_CA_FILE,default=./data_io/RootCA.pem" description:"CA certificate of the broker"`
	ServerName   string        `env:"CR_SERVER_NAME,optional" description:"overrides the broker host name for verification"`
	TopicPrefix  string        `env:"CR_TOPIC_PREFIX,default=/" description:"prefix of the cert-rotation topics"`
	Subject      string        `env:"CR_SUBJECT,default=/CN={}" description:"openssl style subject template of the certificate request"`
	Attempts     int           `env:"CR_ATTEMPTS,default=5" description:"publications per step"`
	ReplyTimeout time.Duration `env:"CR_REPLY_TIMEOUT,default=10s" description:"time to wait for a reply"`
	LogLevel     string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func newAgent(service *Service) (*agent.Agent, error) {
	if err := rotation.ValidateSerialNumber(service.SerialNumber); err != nil {
		return nil, err
	}
	if service.Broker == "" {
		return nil, errors.New("broker is missing")
	}
	var rootCAs *x509.CertPool
	if service.RootCAFile != "" {
		data, err := os.ReadFile(service.RootCAFile)
		if err != nil {
			return nil, err
		}
		rootCAs = x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", service.RootCAFile)
		}
	}
	return agent.New(&agent.Builder{
		Dialer: &agent.PahoDialer{
			Broker:     service.Broker,
			RootCAs:    rootCAs,
			ServerName: service.ServerName,
		},
		Credentials:  &agent.CredentialStore{Dir: service.DataDir, SerialNumber: service.SerialNumber},
		Topics:       rotation.Topics{Prefix: service.TopicPrefix},
		Subject:      service.Subject,
		Attempts:     service.Attempts,
		ReplyTimeout: service.ReplyTimeout,
	}), nil
}

// flowCommand returns a sub command which runs one flow of the agent
func flowCommand(service *Service, use, short string, flow func(*agent.Agent, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(service)
			if err != nil {
				return err
			}
			return flow(a, cmd.Context())
		},
	}
}

func rootCommand(service *Service) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Certificate rotation for devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitLogger(service.LogLevel)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&service.DataDir, "data-dir", service.DataDir, "directory of the device credentials")
	flags.StringVar(&service.SerialNumber, "serial-number", service.SerialNumber, "serial number of the device")
	flags.StringVar(&service.Broker, "broker", service.Broker, "broker url")
	flags.StringVar(&service.RootCAFile, "root-ca", service.RootCAFile, "CA certificate of the broker")
	flags.StringVar(&service.ServerName, "server-name", service.ServerName, "overrides the broker host name for verification")
	flags.StringVar(&service.TopicPrefix, "topic-prefix", service.TopicPrefix, "prefix of the cert-rotation topics")
	flags.StringVar(&service.Subject, "subject", service.Subject, "subject template of the certificate request")
	flags.IntVar(&service.Attempts, "attempts", service.Attempts, "publications per step")
	flags.DurationVar(&service.ReplyTimeout, "reply-timeout", service.ReplyTimeout, "time to wait for a reply")
	flags.StringVar(&service.LogLevel, "log-level", service.LogLevel, "the log level")

	cmd.AddCommand(
		flowCommand(service, "provision", "Connect once with the vendor certificate", (*agent.Agent).Provision),
		flowCommand(service, "create-cert", "Request and store the manufacturer certificate", (*agent.Agent).CreateManufacturerCert),
		flowCommand(service, "ack-cert", "Acknowledge the manufacturer certificate", (*agent.Agent).AckManufacturerCert),
		flowCommand(service, "rotate", "Create and acknowledge the manufacturer certificate", (*agent.Agent).Rotate),
	)
	return cmd
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand(service).ExecuteContext(ctx); err != nil {
		logger.Default().WithError(err).Errorln("agent failed")
		os.Exit(1)
	}
}
