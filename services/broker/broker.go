// Command broker runs the self hosted certificate rotation: the MQTT broker, the rotation
// handler on postgres, a local CA and the enrollment api
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/certrotation/core/csql"
	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot/archive"
	"github.com/relabs-tech/certrotation/iot/enrollment"
	"github.com/relabs-tech/certrotation/iot/events"
	"github.com/relabs-tech/certrotation/iot/mqtt"
	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/rotation"
	"github.com/relabs-tech/certrotation/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres                string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword        string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema                  string        `env:"SCHEMA,default=certrotation" description:"the database schema"`
	LogLevel                string        `env:"LOG_LEVEL,default=info" description:"the log level"`
	TopicPrefix             string        `env:"TOPIC_PREFIX,default=/" description:"prefix of the cert-rotation topics"`
	MQTTAddress             string        `env:"MQTT_ADDRESS,default=:8883" description:"listen address of the MQTT broker"`
	HTTPAddress             string        `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the enrollment api"`
	CertFile                string        `env:"TLS_CERT_FILE,default=server.crt" description:"the broker certificate"`
	KeyFile                 string        `env:"TLS_KEY_FILE,default=server.key" description:"the broker key"`
	VendorCACertFiles       []string      `env:"VENDOR_CA_CERT_FILES,required" description:"semicolon separated vendor CA certificates"`
	ManufacturerCACertFiles []string      `env:"MANUFACTURER_CA_CERT_FILES,required" description:"semicolon separated manufacturer CA certificates, the first one is the default"`
	CAKeyDir                string        `env:"CA_KEY_DIR,required" description:"directory with the manufacturer CA keys named {ca_cert_id}.key"`
	JWTSecret               string        `env:"JWT_SECRET,required" description:"HS256 secret of the enrollment api bearer tokens"`
	ArchiveDir              string        `env:"ARCHIVE_DIR,optional" description:"directory which archives issued certificates"`
	KafkaBrokers            []string      `env:"KAFKA_BROKERS,optional" description:"semicolon separated kafka brokers for transition events"`
	KafkaTopic              string        `env:"KAFKA_TOPIC,default=cert-rotation.transitions" description:"kafka topic for transition events"`
}

// addAuthorities registers the CA certificates and returns their ids
func addAuthorities(ctx context.Context, registry issuer.Inventory, files []string) []string {
	var ids []string
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			panic(err)
		}
		id, err := registry.AddAuthority(ctx, string(data))
		if err != nil {
			panic(err)
		}
		logger.Default().Infof("authority %s from %s", id, file)
		ids = append(ids, id)
	}
	return ids
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	ctx := context.Background()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	registry := issuer.NewPostgresRegistry(db)
	vendorIDs := addAuthorities(ctx, registry, service.VendorCACertFiles)
	manufacturerIDs := addAuthorities(ctx, registry, service.ManufacturerCACertFiles)
	signer := &issuer.LocalCA{
		Authorities: registry,
		Keys:        &issuer.FileKeySource{Dir: service.CAKeyDir},
	}

	tlsConfig, err := mqtt.LoadTLSConfig(
		append(append([]string{}, service.VendorCACertFiles...), service.ManufacturerCACertFiles...),
		service.CertFile, service.KeyFile)
	if err != nil {
		panic(err)
	}
	topics := rotation.Topics{Prefix: service.TopicPrefix}
	broker := mqtt.NewBroker(&mqtt.Builder{
		Inventory:               registry,
		Topics:                  topics,
		RegistrationAuthorities: vendorIDs,
		TLSConfig:               tlsConfig,
		Address:                 service.MQTTAddress,
	})

	records := store.NewPostgres(db)
	b := &rotation.Builder{
		Store:     records,
		Issuer:    issuer.New(signer, registry, registry),
		Publisher: broker,
		Topics:    topics,
	}
	if service.ArchiveDir != "" {
		b.Archiver = &archive.Directory{BaseFolder: service.ArchiveDir}
	}
	if len(service.KafkaBrokers) > 0 {
		notifier := events.NewNotifier(&events.Builder{Brokers: service.KafkaBrokers, Topic: service.KafkaTopic})
		defer notifier.Close()
		b.Notifier = notifier
	}
	broker.HandleMessages(rotation.NewHandler(b))

	router := mux.NewRouter()
	enrollment.NewAPI(&enrollment.Builder{
		Store:                       records,
		Router:                      router,
		JWTSecret:                   []byte(service.JWTSecret),
		DefaultManufacturerCACertID: manufacturerIDs[0],
	})

	logger.Default().Infoln("enrollment api listens on", service.HTTPAddress)
	go func() {
		if err := http.ListenAndServe(service.HTTPAddress, router); err != nil {
			logger.Default().WithError(err).Fatalln("enrollment api stopped")
		}
	}()

	broker.Run()
}
