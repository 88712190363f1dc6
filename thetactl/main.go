package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/quic-go/quic-go"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/engine"
	"github.com/jvastola/Theta/replicate"
	signalrelay "github.com/jvastola/Theta/signal"
	"github.com/jvastola/Theta/transport"
)

const ThetaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Theta engine control.

Usage:
    thetactl generate-manifest [--out=<path>]
    thetactl schema-hash
    thetactl signal-serve [--bind=<bind>]
    thetactl loopback-check [--frames=<frames>]
    thetactl quic-check
    thetactl run [--url=<url>] [--room=<room_id>] [--frames=<frames>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --out=<path>         Manifest output path [default: component_manifest.json].
    --bind=<bind>        Relay bind address [default: 127.0.0.1:8888].
    --url=<url>          External signaling relay url.
    --room=<room_id>     Room scope [default: default].
    --frames=<frames>    Frames to run [default: 300].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ThetaCtlVersion)
	if err != nil {
		panic(err)
	}
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Parse()

	if generateManifest_, _ := opts.Bool("generate-manifest"); generateManifest_ {
		generateManifest(opts)
	} else if schemaHash_, _ := opts.Bool("schema-hash"); schemaHash_ {
		schemaHash(opts)
	} else if signalServe_, _ := opts.Bool("signal-serve"); signalServe_ {
		signalServe(opts)
	} else if loopbackCheck_, _ := opts.Bool("loopback-check"); loopbackCheck_ {
		loopbackCheck(opts)
	} else if quicCheck_, _ := opts.Bool("quic-check"); quicCheck_ {
		quicCheck(opts)
	} else if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func coreRegistry() *replicate.Registry {
	registry := replicate.NewRegistry()
	engine.RegisterCoreComponents(registry)
	return registry
}

func framesOpt(opts docopt.Opts) int {
	framesStr, _ := opts.String("--frames")
	frames, err := strconv.Atoi(framesStr)
	if err != nil || frames < 1 {
		frames = 300
	}
	return frames
}

// generateManifest writes the canonical component manifest so peers can
// diff replication vocabularies out of band.
func generateManifest(opts docopt.Opts) {
	path, _ := opts.String("--out")

	registry := coreRegistry()
	if err := replicate.WriteManifest(registry, path); err != nil {
		Err.Printf("Manifest write failed (%s).", err)
		os.Exit(1)
	}
	Out.Printf("Wrote %s (%d components).", path, registry.Len())
}

func schemaHash(opts docopt.Opts) {
	hash, err := replicate.SchemaHash(coreRegistry())
	if err != nil {
		Err.Printf("Schema hash failed (%s).", err)
		os.Exit(1)
	}
	Out.Printf("%016x", hash)
}

// signalServe runs a standalone signaling relay until interrupted.
func signalServe(opts docopt.Opts) {
	bind, _ := opts.String("--bind")

	server, err := signalrelay.NewServer(bind)
	if err != nil {
		Err.Printf("Relay bind failed (%s).", err)
		os.Exit(1)
	}
	defer server.Close()
	Out.Printf("Signaling relay listening at %s", server.Url())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// loopbackCheck drives two engines over an in-process WebRTC pair and
// prints the telemetry panel at the end.
func loopbackCheck(opts docopt.Opts) {
	frames := framesOpt(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newEngine := func(authorId command.AuthorId) *engine.Engine {
		settings := engine.DefaultEngineSettings()
		settings.Author.Id = authorId
		settings.Bootstrap = &signalrelay.BootstrapSettings{Disabled: true}
		instance, err := engine.NewEngine(cancelCtx, settings)
		if err != nil {
			Err.Printf("Engine setup failed (%s).", err)
			os.Exit(1)
		}
		return instance
	}

	first := newEngine(1)
	defer first.Close()
	second := newEngine(2)
	defer second.Close()

	firstTransport, secondTransport, err := transport.NewLoopbackPair(cancelCtx, nil)
	if err != nil {
		Err.Printf("Loopback pair failed (%s).", err)
		os.Exit(1)
	}
	first.AttachTransport(firstTransport)
	second.AttachTransport(secondTransport)

	for i := 0; i < frames; i += 1 {
		first.Frame(1.0 / 60)
		second.Frame(1.0 / 60)
		time.Sleep(time.Millisecond)
	}

	Out.Printf("first:\n%s", first.Overlay().TextPanel())
	Out.Printf("second:\n%s", second.Overlay().TextPanel())
}

// quicCheck establishes a QUIC session pair over localhost with a
// throwaway self-signed certificate and exchanges one command packet.
func quicCheck(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTls, err := selfSignedTlsConfig()
	if err != nil {
		Err.Printf("Certificate generation failed (%s).", err)
		os.Exit(1)
	}
	listener, err := quic.ListenAddr("127.0.0.1:0", serverTls, nil)
	if err != nil {
		Err.Printf("QUIC listen failed (%s).", err)
		os.Exit(1)
	}
	defer listener.Close()

	schemaHash, err := replicate.SchemaHash(coreRegistry())
	if err != nil {
		Err.Printf("Schema hash failed (%s).", err)
		os.Exit(1)
	}
	serverSigner, err := command.NewEd25519Signer()
	if err != nil {
		Err.Printf("Key generation failed (%s).", err)
		os.Exit(1)
	}
	clientSigner, err := command.NewEd25519Signer()
	if err != nil {
		Err.Printf("Key generation failed (%s).", err)
		os.Exit(1)
	}

	serverSessions := make(chan *transport.Session, 1)
	go func() {
		conn, err := listener.Accept(cancelCtx)
		if err != nil {
			Err.Printf("QUIC accept failed (%s).", err)
			return
		}
		session, err := transport.Accept(cancelCtx, conn, &transport.ServerHandshake{
			ProtocolVersion: transport.ProtocolVersion,
			SchemaHash:      schemaHash,
			Capabilities:    []uint32{1},
			PublicKey:       serverSigner.PublicKey(),
		}, nil)
		if err != nil {
			Err.Printf("Server handshake failed (%s).", err)
			return
		}
		serverSessions <- session
	}()

	clientTls := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         serverTls.NextProtos,
	}
	clientSession, err := transport.Connect(cancelCtx, listener.Addr().String(), clientTls, &transport.ClientHandshake{
		ProtocolVersion: transport.ProtocolVersion,
		SchemaHash:      schemaHash,
		Capabilities:    []uint32{1},
		PublicKey:       clientSigner.PublicKey(),
	}, nil)
	if err != nil {
		Err.Printf("Client handshake failed (%s).", err)
		os.Exit(1)
	}
	defer clientSession.Close()

	serverSession := <-serverSessions
	defer serverSession.Close()
	Out.Printf("Session %d established.", clientSession.Summary().SessionId)

	packet := &command.Packet{
		Sequence:    1,
		Nonce:       1,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     []byte(`{"entries":[]}`),
	}
	if err := clientSession.SendCommandPackets([]*command.Packet{packet}); err != nil {
		Err.Printf("Packet send failed (%s).", err)
		os.Exit(1)
	}
	received, err := serverSession.ReceiveCommandPacket(2 * time.Second)
	if err != nil || received == nil {
		Err.Printf("Packet receive failed (%v).", err)
		os.Exit(1)
	}
	Out.Printf("Round trip ok: sequence %d, %d payload bytes.", received.Sequence, len(received.Payload))
	Out.Printf("Client diagnostics: %+v", clientSession.Metrics().Latest())
}

// selfSignedTlsConfig mints a throwaway localhost certificate for the
// check command only.
func selfSignedTlsConfig() (*tls.Config, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	certDer, err := x509.CreateCertificate(rand.Reader, &template, &template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDer},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{"theta"},
	}, nil
}

// run starts one engine with signaling-driven peer discovery.
func run(opts docopt.Opts) {
	frames := framesOpt(opts)
	url, _ := opts.String("--url")
	room, _ := opts.String("--room")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrap := signalrelay.BootstrapSettingsFromEnv()
	if url != "" {
		bootstrap.Url = url
	}
	if room != "" {
		bootstrap.RoomId = room
	}

	settings := engine.DefaultEngineSettings()
	settings.Bootstrap = bootstrap
	instance, err := engine.NewEngine(cancelCtx, settings)
	if err != nil {
		Err.Printf("Engine setup failed (%s).", err)
		os.Exit(1)
	}
	defer instance.Close()

	if err := instance.StartSignaling(); err != nil {
		Err.Printf("Signaling bootstrap failed (%s).", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()
	for i := 0; i < frames; i += 1 {
		select {
		case <-stop:
			Out.Printf("%s", instance.Overlay().TextPanel())
			return
		case <-ticker.C:
			telemetry := instance.Frame(1.0 / 60)
			if telemetry.Frame%60 == 0 {
				fmt.Print(instance.Overlay().TextPanel())
			}
		}
	}
	Out.Printf("%s", instance.Overlay().TextPanel())
}
