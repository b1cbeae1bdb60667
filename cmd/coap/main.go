// Command coap is a curl-like CoAP client exercising GET/PUT/POST/DELETE,
// Observe and Block over plain UDP or DTLS.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/service"
	"github.com/meshlink/coapcore/transport"
)

var (
	flagMethod   string
	flagData     string
	flagInsecure bool
	flagVerbose  bool
	flagObserve  bool
	flagHeaders  stringFlags
)

// stringFlags accumulates repeated -H/--header occurrences.
type stringFlags []string

func (i *stringFlags) String() string { return fmt.Sprintf("%v", *i) }

func (i *stringFlags) Set(value string) error {
	*i = append(*i, strings.TrimSpace(value))
	return nil
}

func init() {
	flag.StringVar(&flagMethod, "request", "GET", "CoAP Method")
	flag.StringVar(&flagMethod, "X", "GET", "CoAP Method (shorthand of --request)")
	flag.StringVar(&flagData, "data", "", "Request payload. If it starts with @, the rest is a file name to read from, or - for stdin.")
	flag.StringVar(&flagData, "d", "", "Request payload (shorthand of --data)")
	flag.BoolVar(&flagInsecure, "insecure", false, "Skip DTLS certificate verification")
	flag.BoolVar(&flagInsecure, "k", false, "Skip DTLS certificate verification (shorthand of --insecure)")
	flag.BoolVar(&flagVerbose, "verbose", false, "Verbose mode")
	flag.BoolVar(&flagVerbose, "v", false, "Verbose mode (shorthand of --verbose)")
	flag.BoolVar(&flagObserve, "observe", false, "Register an Observe subscription instead of a single request")
	flag.Var(&flagHeaders, "header", "Option in name:value form, e.g. Content-Format:0")
	flag.Var(&flagHeaders, "H", "Option in name:value form (shorthand of --header)")
}

func payloadFromFlag() []byte {
	switch {
	case flagData == "":
		return nil
	case flagData == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("FATAL reading stdin: %s", err)
		}
		return b
	case strings.HasPrefix(flagData, "@"):
		b, err := os.ReadFile(flagData[1:])
		if err != nil {
			log.Fatalf("FATAL reading request file: %s", err)
		}
		return b
	default:
		return []byte(flagData)
	}
}

func methodCode(m string) coap.Code {
	switch strings.ToUpper(m) {
	case "GET":
		return coap.GET
	case "POST":
		return coap.POST
	case "PUT":
		return coap.PUT
	case "DELETE":
		return coap.DELETE
	case "FETCH":
		return coap.FETCH
	case "PATCH":
		return coap.PATCH
	case "IPATCH":
		return coap.IPATCH
	default:
		log.Fatalf("FATAL unknown method %q", m)
		return 0
	}
}

// optionNames maps the option names accepted by -H to their numbers.
var optionNames = map[string]coap.OptionID{
	"If-Match":       coap.IfMatch,
	"Uri-Host":       coap.URIHost,
	"ETag":           coap.ETag,
	"Content-Format": coap.ContentFormat,
	"Max-Age":        coap.MaxAge,
	"Hop-Limit":      coap.HopLimit,
	"Accept":         coap.Accept,
	"No-Response":    coap.NoResponse,
	"Request-Tag":    coap.RequestTag,
}

// appendHeaderOption parses one -H name:value pair and appends the
// corresponding option, encoding uint-valued options minimally and
// everything else as raw bytes.
func appendHeaderOption(opts coap.Options, name, value string) (coap.Options, error) {
	id, ok := optionNames[name]
	if !ok {
		return opts, fmt.Errorf("unsupported option name %q", name)
	}
	if def, known := coap.Catalog[id]; known && def.Format == coap.ValueUint {
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("option %s wants a number: %s", name, err)
		}
		return opts.AddUint(id, uint32(n))
	}
	return opts.Add(id, []byte(value))
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coap:\n")
		flag.PrintDefaults()
		fmt.Println("Example:         coap -X POST -d '{}' coap://localhost:5683/config")
		fmt.Println("Example (stdin): echo '{}' | coap -X POST -d '-' coap://localhost:5683/config")
		fmt.Println("Example (DTLS):  coap -X GET -k coaps://localhost:5684/status")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	target := flag.Arg(0)

	u, err := url.Parse(target)
	if err != nil {
		log.Fatalf("FATAL target url is invalid %s: %s", target, err)
	}

	var conn transport.Conn
	switch u.Scheme {
	case "coap", "":
		c, err := transport.ListenUDP("")
		if err != nil {
			log.Fatalf("FATAL opening UDP socket: %s", err)
		}
		conn = c
	case "coaps":
		c, err := transport.DialDTLS(u.Host, flagInsecure)
		if err != nil {
			log.Fatalf("FATAL dialing DTLS: %s", err)
		}
		conn = c
	default:
		log.Fatalf("FATAL unsupported scheme %q", u.Scheme)
	}
	defer conn.Close()

	cfg := coap.DefaultConfig()
	client := service.NewClient(cfg, conn.Send, coap.SystemClock, nil, nil)
	go receiveLoop(conn, client)

	req := &coap.Message{
		Type: coap.Confirmable,
		Code: methodCode(flagMethod),
	}
	if err := req.SetPath(u.Path + "?" + u.RawQuery); err != nil {
		log.Fatalf("FATAL setting path: %s", err)
	}
	if payload := payloadFromFlag(); payload != nil {
		req.Payload = payload
	}
	for _, h := range flagHeaders {
		segs := strings.SplitN(h, ":", 2)
		if len(segs) != 2 {
			log.Fatalf("FATAL malformed -H option %q, want name:value", h)
		}
		opts, err := appendHeaderOption(req.Options, strings.TrimSpace(segs[0]), strings.TrimSpace(segs[1]))
		if err != nil {
			log.Fatalf("FATAL -H %q: %s", h, err)
		}
		req.Options = opts
	}
	if flagObserve {
		opts, err := req.Options.AddUint(coap.Observe, 0)
		if err != nil {
			log.Fatalf("FATAL adding Observe option: %s", err)
		}
		req.Options = opts
	}

	peer := coap.Peer(u.Host)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Do(ctx, req, peer)
	if err != nil {
		log.Fatalf("FATAL request failed: %s", err)
	}
	if resp == nil {
		if flagVerbose {
			fmt.Fprintln(os.Stderr, "(no response)")
		}
		return
	}
	if flagVerbose {
		fmt.Fprintf(os.Stderr, "< %s\n", resp.Code)
	}
	os.Stdout.Write(resp.Payload)

	if flagObserve {
		// Keep reading notifications until the context deadline (or a
		// signal) ends the process; client.Do already delivered the
		// registration ACK above.
		<-ctx.Done()
	}
}

// receiveLoop reads inbound datagrams off conn for the lifetime of the
// process, parses them and feeds them through the client's receive
// path. It is the client's only receive-side suspension point.
func receiveLoop(conn transport.Conn, client *service.Client) {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := coap.Parse(buf[:n])
		if err != nil {
			continue
		}
		client.ProcessInbound(msg, peer, flagObserve, time.Now())
	}
}
