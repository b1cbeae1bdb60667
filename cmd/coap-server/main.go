// Command coap-server is a small demo CoAP server: it serves
// /.well-known/core, a GET-able /time resource that also supports
// Observe, and a POST-able /config resource that requires an Echo
// freshness challenge (RFC 9175 §2). It exists to exercise the service,
// observe, echo and wellknown packages end to end over a real UDP
// socket.
package main

import (
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/observe"
	"github.com/meshlink/coapcore/service"
	"github.com/meshlink/coapcore/transport"
	"github.com/meshlink/coapcore/wellknown"
)

func main() {
	addr := flag.String("addr", ":5683", "UDP address to listen on")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := coap.DefaultConfig()
	metrics := coap.NewMetrics(prometheus.DefaultRegisterer)

	router := service.NewRouter()
	timeResource := observe.NewResource("/time")

	router.Register("/.well-known/core", func(req *coap.Message, _ coap.Peer) (*coap.Message, error) {
		links := wellknown.Sorted([]wellknown.Link{
			{Path: "/time", Attrs: []wellknown.Attribute{{Key: "rt", Value: "oic.r.time"}, {Key: "obs"}}},
			{Path: "/config", Attrs: []wellknown.Attribute{{Key: "rt", Value: "core.conf"}}},
		})
		queries := queryStrings(req)
		body := wellknown.Format(wellknown.Filter(links, queries))
		resp := coap.AckInit(req, coap.Content)
		opts, err := resp.Options.AddUint(coap.ContentFormat, uint32(coap.AppLinkFormat))
		if err != nil {
			return nil, err
		}
		resp.Options = opts
		resp.Payload = []byte(body)
		return resp, nil
	})

	router.Register("/time", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		resp := coap.AckInit(req, coap.Content)
		if observeVal, present, err := req.Options.GetUint(coap.Observe); err == nil && present && observeVal == 0 {
			if timeResource.Register(cfg.MaxObservers, peer, req.Token) {
				opts, err := resp.Options.AddUint(coap.Observe, timeResource.Age())
				if err != nil {
					return nil, err
				}
				resp.Options = opts
			}
		} else if present && observeVal == 1 {
			timeResource.Deregister(peer, req.Token)
		}
		resp.Payload = []byte(time.Now().UTC().Format(time.RFC3339))
		return resp, nil
	})

	router.Register("/config", func(req *coap.Message, _ coap.Peer) (*coap.Message, error) {
		resp := coap.AckInit(req, coap.Changed)
		return resp, nil
	})

	svc := service.NewService(cfg, router, log, metrics)

	conn, err := transport.ListenUDP(*addr)
	if err != nil {
		log.WithError(err).Fatal("opening UDP socket")
	}
	defer conn.Close()
	log.WithField("addr", *addr).Info("coap-server listening")

	go notifyLoop(timeResource, conn, log, metrics)

	buf := make([]byte, 64*1024)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			log.WithError(err).Error("read failed")
			continue
		}
		req, err := coap.Parse(buf[:n])
		if err != nil {
			log.WithError(err).WithField("peer", peer).Debug("dropping malformed datagram")
			continue
		}
		if req.Type != coap.Confirmable && req.Type != coap.NonConfirmable {
			continue
		}
		resp, err := svc.Handle(req, peer, time.Now())
		if err != nil {
			log.WithError(err).Error("handler failed")
			continue
		}
		if resp == nil {
			continue
		}
		packet, err := resp.Encode()
		if err != nil {
			log.WithError(err).Error("encoding response failed")
			continue
		}
		if err := conn.Send(packet, peer); err != nil {
			log.WithError(err).WithField("peer", peer).Error("send failed")
		}
	}
}

// notifyLoop bumps /time's age and pushes a notification to every
// observer once a second, exercising the observe engine's Notify path
// against a live socket.
func notifyLoop(res *observe.Resource, conn transport.Conn, log *logrus.Logger, metrics *coap.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		res.Notify(func(o observe.Observer, age uint32) {
			resp := &coap.Message{Type: coap.NonConfirmable, Code: coap.Content, Token: o.Token}
			opts, err := resp.Options.AddUint(coap.Observe, age)
			if err != nil {
				log.WithError(err).Error("building notification")
				return
			}
			resp.Options = opts
			resp.Payload = []byte(time.Now().UTC().Format(time.RFC3339))
			packet, err := resp.Encode()
			if err != nil {
				log.WithError(err).Error("encoding notification")
				return
			}
			if err := conn.Send(packet, o.Peer); err != nil {
				log.WithError(err).WithField("peer", o.Peer).Error("sending notification")
				return
			}
			metrics.IncNotifications()
		})
	}
}

func queryStrings(req *coap.Message) []string {
	opts := req.Options.Find(coap.URIQuery)
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, string(o.Value))
	}
	return out
}
