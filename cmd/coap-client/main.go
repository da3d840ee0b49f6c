// Command coap-client issues a single CoAP request (or opens an Observe
// subscription) against a remote endpoint and prints the response(s).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/endpoint"
)

func main() {
	op := flag.String("op", "get", "get|put|post|delete|observe")
	addr := flag.String("addr", "127.0.0.1:5683", "server host:port")
	path := flag.String("path", "/", "resource path")
	payload := flag.String("payload", "", "request body for put/post")
	contentType := flag.Uint("content-type", uint(coap.TextPlain), "numeric Content-Format for put/post")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	observeFor := flag.Duration("observe-for", 30*time.Second, "how long to stay subscribed for -op observe")
	flag.Parse()

	ep := endpoint.New(endpoint.Config{Addr: "0.0.0.0:0"})
	if err := ep.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *op {
	case "get":
		printResult(ep.Get(ctx, *addr, *path))
	case "put":
		printResult(ep.Put(ctx, *addr, *path, []byte(*payload), coap.MediaType(*contentType)))
	case "post":
		printResult(ep.Post(ctx, *addr, *path, []byte(*payload), coap.MediaType(*contentType)))
	case "delete":
		printResult(ep.Delete(ctx, *addr, *path))
	case "observe":
		runObserve(ep, *addr, *path, *observeFor)
	default:
		fmt.Fprintf(os.Stderr, "unknown -op %q\n", *op)
		os.Exit(1)
	}
}

func printResult(resp *coap.Message, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s %q\n", resp.Code, resp.Payload)
}

func runObserve(ep *endpoint.Endpoint, addr, path string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	sub, err := ep.Observe(ctx, addr, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observe: %v\n", err)
		os.Exit(1)
	}
	defer sub.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-sub.Responses():
			if !ok {
				return
			}
			fmt.Printf("%s %q\n", resp.Code, resp.Payload)
		}
	}
}
