// objlinkctl is a diagnostic client for objlinkd: it connects to an
// endpoint, fetches the root object and runs one probe against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/objlink/objlink/internal/logging"
	"github.com/objlink/objlink/internal/parcel"
	"github.com/objlink/objlink/internal/rpc"
	"github.com/objlink/objlink/internal/transport"
)

const (
	selEcho uint32 = iota + 1
	selServerTime
	selStats
	selUptime
)

const fieldValue uint16 = 1

func main() {
	logging.ConfigureRuntime("objlinkctl")

	endpoint := flag.String("endpoint", "unix:///tmp/objlinkd.sock", "server endpoint (unix://, tcp:// or vsock://)")
	timeout := flag.Duration("timeout", 5*time.Second, "per-operation timeout")
	caFile := flag.String("ca", "", "CA bundle for TLS endpoints")
	certFile := flag.String("cert", "", "client certificate for mutual TLS")
	keyFile := flag.String("key", "", "client key for mutual TLS")
	serverName := flag.String("servername", "", "expected TLS server name")
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := runCommand(*endpoint, *timeout, *caFile, *certFile, *keyFile, *serverName, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "objlinkctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: objlinkctl [flags] <command>

commands:
  ping           round-trip liveness probe against the root object
  echo <text>    echo text off the server
  time           print the server clock
  stats          print session and reference counts
  uptime         print how long the server has been serving
  bench [n]      time n sequential pings (default 1000)`)
	flag.PrintDefaults()
}

func runCommand(endpoint string, timeout time.Duration, caFile, certFile, keyFile, serverName string, args []string) error {
	ep, err := transport.Parse(endpoint)
	if err != nil {
		return err
	}
	if caFile != "" {
		sec := transport.SecurityConfig{TLS: transport.TLSConfig{
			Enabled:    true,
			Mutual:     certFile != "",
			CAFile:     caFile,
			CertFile:   certFile,
			KeyFile:    keyFile,
			ServerName: serverName,
		}}
		tlsCfg, err := sec.ClientTLS()
		if err != nil {
			return err
		}
		tcp, ok := ep.(transport.TCPEndpoint)
		if !ok {
			return fmt.Errorf("%w: got %s", transport.ErrTLSNotSupported, ep.Network())
		}
		tcp.TLS = tlsCfg
		ep = tcp
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := rpc.Connect(ctx, ep, rpc.WithDialRetry(transport.DefaultBackoff(), 3))
	if err != nil {
		return err
	}
	defer sess.Shutdown(true)

	root, err := sess.GetRoot(ctx)
	if err != nil {
		return fmt.Errorf("fetch root object: %w", err)
	}
	if root == nil {
		return fmt.Errorf("server exposes no root object")
	}

	switch args[0] {
	case "ping":
		start := time.Now()
		if err := root.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("ok %v\n", time.Since(start))
		return nil

	case "echo":
		if len(args) < 2 {
			return fmt.Errorf("echo needs a message")
		}
		out, err := root.Transact(ctx, selEcho, []byte(args[1]), 0)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "time":
		out, err := root.Transact(ctx, selServerTime, nil, 0)
		if err != nil {
			return err
		}
		v, err := decodeValueString(out)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil

	case "stats":
		out, err := root.Transact(ctx, selStats, nil, 0)
		if err != nil {
			return err
		}
		fields, err := parcel.Decode(out)
		if err != nil {
			return err
		}
		f, err := parcel.Lookup(fields, fieldValue)
		if err != nil {
			return err
		}
		blob, err := f.Bytes()
		if err != nil {
			return err
		}
		fmt.Println(string(blob))
		return nil

	case "uptime":
		out, err := root.Transact(ctx, selUptime, nil, 0)
		if err != nil {
			return err
		}
		fields, err := parcel.Decode(out)
		if err != nil {
			return err
		}
		f, err := parcel.Lookup(fields, fieldValue)
		if err != nil {
			return err
		}
		secs, err := f.Uint64()
		if err != nil {
			return err
		}
		fmt.Println(time.Duration(secs) * time.Second)
		return nil

	case "bench":
		n := 1000
		if len(args) > 1 {
			n, err = strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("bench count %q", args[1])
			}
		}
		// The bench outlives the dial timeout on purpose.
		start := time.Now()
		for i := 0; i < n; i++ {
			if err := root.Ping(context.Background()); err != nil {
				return fmt.Errorf("ping %d: %w", i, err)
			}
		}
		elapsed := time.Since(start)
		fmt.Printf("%d pings in %v (%.0f/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func decodeValueString(payload []byte) (string, error) {
	fields, err := parcel.Decode(payload)
	if err != nil {
		return "", err
	}
	f, err := parcel.Lookup(fields, fieldValue)
	if err != nil {
		return "", err
	}
	return f.String()
}
