package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/iot"
	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/rotation"
)

// server is the part of the gmqtt server the broker controls
type server interface {
	Run()
	Stop(ctx context.Context) error
}

// Broker is a MQTT broker for certificate rotation
type Broker struct {
	p      *plugin
	server server
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Inventory knows the registered certificates and their devices. This is mandatory.
	Inventory issuer.Inventory
	// Topics configures the topic prefix
	Topics rotation.Topics
	// RegistrationAuthorities are the ids of the CA certificates whose unknown certificates
	// are registered on first connect. Usually the vendor CAs.
	RegistrationAuthorities []string
	// TLSConfig is the server TLS configuration. If nil, it is loaded from the files below.
	TLSConfig *tls.Config
	// CACertFiles are the file paths to the X.509 certificates of all certificate
	// authorities which issue device certificates. Mandatory without TLSConfig.
	CACertFiles []string
	// CertFile is the file path to the X.509 certificate file. Mandatory without TLSConfig.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. Mandatory without TLSConfig.
	KeyFile string
	// Address defaults to ":8883"
	Address string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln         net.Listener
	serialNumbers sync.Map // net.Conn -> string

	service gmqtt.Server
	handler iot.MessageHandler

	inventory           issuer.Inventory
	topics              rotation.Topics
	codec               *rotation.Codec
	registerAuthorities map[string]bool
}

// LoadTLSConfig returns a server configuration which requires client certificates
// issued by one of the certificate authorities
func LoadTLSConfig(caCertFiles []string, certFile, keyFile string) (*tls.Config, error) {
	if len(caCertFiles) == 0 {
		return nil, errors.New("ca-cert files missing")
	}
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	for _, file := range caCertFiles {
		caCert, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", file)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewBroker returns a new broker. It listens right away but does not serve MQTT until
// Start or Run is called.
func NewBroker(bb *Builder) *Broker {
	if bb.Inventory == nil {
		panic("inventory is missing")
	}
	tlsConfig := bb.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = LoadTLSConfig(bb.CACertFiles, bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
	}
	address := bb.Address
	if address == "" {
		address = ":8883"
	}
	tlsln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}

	registerAuthorities := map[string]bool{}
	for _, id := range bb.RegistrationAuthorities {
		registerAuthorities[id] = true
	}

	return &Broker{
		p: &plugin{
			tlsln:               tlsln,
			inventory:           bb.Inventory,
			topics:              bb.Topics,
			codec:               rotation.MustNewCodec(bb.Topics),
			registerAuthorities: registerAuthorities,
		},
	}
}

// HandleMessages sets the handler for registration events and device requests. It must
// be called before Start.
func (b *Broker) HandleMessages(handler iot.MessageHandler) {
	b.p.handler = handler
}

// Addr returns the listener address
func (b *Broker) Addr() net.Addr {
	return b.p.tlsln.Addr()
}

// Start starts serving and returns immediately
func (b *Broker) Start() {
	if b.p.handler == nil {
		panic("message handler is missing")
	}
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	b.server.Run()
	logger.Default().Infof("broker listening on %s", b.Addr())
}

// Stop gracefully stops the broker
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return b.p.tlsln.Close()
	}
	return b.server.Stop(ctx)
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// gracefully shuts down.
func (b *Broker) Run() {
	b.Start()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		logger.Default().WithError(err).Errorln("broker did not stop cleanly")
	}
	logger.Default().Infoln("broker stopped")
}

// PublishMessageQ1 publishes an MQTT message with quality level 1
func (b *Broker) PublishMessageQ1(ctx context.Context, topic string, payload []byte) error {
	if b.p.service == nil {
		return fmt.Errorf("%w: broker is not running", rotation.ErrPublish)
	}
	logger.FromContext(ctx).Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "certificate rotation" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// serialNumberFromConnection returns the authorized serial number of an accepted connection
// once. From then on the verified client id carries the identity.
func (p *plugin) serialNumberFromConnection(conn net.Conn) string {
	serialNumber, _ := p.serialNumbers.LoadAndDelete(conn)
	s, _ := serialNumber.(string)
	return s
}

// OnAcceptWrapper authorizes clients via TLS certificates. A certificate must be
// registered, active and bound to the device named by its common name. Unknown
// certificates of a registration authority are registered on the fly.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			logger.Default().WithError(err).Debugln("tls handshake failed")
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		chain := state.VerifiedChains[0]
		serialNumber, err := p.authorize(ctx, chain)
		if err != nil {
			logger.Default().WithError(err).Warnf("connection of %s denied", chain[0].Subject.CommonName)
			return false
		}
		p.serialNumbers.Store(conn, serialNumber)
		return accept(ctx, conn)
	}
}

func (p *plugin) authorize(ctx context.Context, chain []*x509.Certificate) (string, error) {
	leaf := chain[0]
	serialNumber := leaf.Subject.CommonName
	if err := rotation.ValidateSerialNumber(serialNumber); err != nil {
		return "", err
	}
	ctx, rlog := logger.ContextWithSerialNumber(ctx, serialNumber)
	certID := issuer.CertificateID(leaf.Raw)

	cert, err := p.inventory.Certificate(ctx, certID)
	if errors.Is(err, issuer.ErrNotFound) {
		return serialNumber, p.register(ctx, chain, certID)
	}
	if err != nil {
		return "", err
	}
	if cert.Status != issuer.StatusActive {
		return "", fmt.Errorf("certificate %s is %s", certID, cert.Status)
	}
	if !cert.BoundTo(serialNumber) {
		return "", fmt.Errorf("certificate %s is not bound to %s", certID, serialNumber)
	}
	rlog.Debugf("accepted certificate %s", certID)
	return serialNumber, nil
}

// register registers, activates and binds an unknown certificate and raises the
// registration event. The registration is rolled back if the handler does not accept it.
func (p *plugin) register(ctx context.Context, chain []*x509.Certificate, certID string) error {
	rlog := logger.FromContext(ctx)
	if len(chain) < 2 {
		return fmt.Errorf("certificate %s is unknown", certID)
	}
	leaf, authority := chain[0], chain[1]
	authorityID := issuer.CertificateID(authority.Raw)
	if !p.registerAuthorities[authorityID] {
		return fmt.Errorf("certificate %s is unknown and CA %s does not register on connect", certID, authorityID)
	}
	serialNumber := leaf.Subject.CommonName

	id, err := p.inventory.Register(ctx, issuer.EncodeCertificate(leaf.Raw), issuer.EncodeCertificate(authority.Raw))
	if err != nil {
		return err
	}
	rollback := func(cause error) error {
		if err := p.inventory.Unbind(ctx, serialNumber, id); err != nil {
			rlog.WithError(err).Errorf("cannot unbind certificate %s", id)
		}
		if err := p.inventory.Deactivate(ctx, id); err != nil {
			rlog.WithError(err).Errorf("cannot deactivate certificate %s", id)
		}
		if err := p.inventory.Delete(ctx, id); err != nil {
			rlog.WithError(err).Errorf("cannot delete certificate %s", id)
		}
		return cause
	}
	if err := p.inventory.Activate(ctx, id); err != nil {
		return rollback(err)
	}
	if err := p.inventory.Bind(ctx, serialNumber, id); err != nil {
		return rollback(err)
	}

	payload, err := p.codec.Encode(rotation.RegistrationEvent{
		CertificateID:     id,
		CACertificateID:   authorityID,
		CertificateStatus: string(issuer.StatusActive),
		Timestamp:         time.Now().Unix(),
	})
	if err != nil {
		return rollback(err)
	}
	result := p.handler.HandleMessage(ctx, p.topics.Registration(authorityID), payload)
	if result.Err != nil {
		return rollback(fmt.Errorf("registration of %s refused: %w", id, result.Err))
	}
	rlog.Infof("registered certificate %s on first connect", id)
	return nil
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		serialNumber := p.serialNumberFromConnection(client.Connection())
		if serialNumber == "" || client.OptionsReader().ClientID() != serialNumber {
			logger.Default().Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		logger.Default().WithField("serialNumber", serialNumber).Debugln("connect")
		return connect(ctx, client)
	}
}

// allowedSubscription returns true for the reply topics of the device itself
func (p *plugin) allowedSubscription(serialNumber, topic string) bool {
	return topic == p.topics.CreateReply(serialNumber) || topic == p.topics.AckReply(serialNumber)
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		serialNumber := client.OptionsReader().ClientID()
		if !p.allowedSubscription(serialNumber, topic.Name) {
			logger.Default().WithField("serialNumber", serialNumber).Warnf("subscription to %s denied", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper hands the rotation requests of a device to the handler. Devices
// must not publish on any other topic.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		serialNumber := client.OptionsReader().ClientID()
		topic := msg.Topic()
		rlog := logger.Default().WithFields(logrus.Fields{"serialNumber": serialNumber, "topic": topic})

		if topic != p.topics.CreateRequest(serialNumber) && topic != p.topics.AckRequest(serialNumber) {
			rlog.Warnln("publish denied")
			return false
		}
		if !json.Valid(msg.Payload()) {
			rlog.Warnln("invalid json")
			return false
		}
		hctx, _ := logger.ContextWithSerialNumber(context.Background(), serialNumber)
		p.handler.HandleMessage(hctx, topic, msg.Payload())
		return arrived(ctx, client, msg)
	}
}
