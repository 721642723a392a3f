package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"depthcam-go/internal/publish"
)

func main() {
	var (
		endpoint = flag.String("endpoint", "tcp://localhost:5560", "depthcam ZMQ PUB endpoint")
		topic    = flag.String("topic", "stream/", "Topic prefix to subscribe to")
		limit    = flag.Int("limit", 0, "Stop after this many messages (0 = run until interrupted)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		log.Fatalf("create socket: %v", err)
	}
	defer socket.Close()
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		log.Fatalf("set timeout: %v", err)
	}
	if err := socket.SetSubscribe(*topic); err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	if err := socket.Connect(*endpoint); err != nil {
		log.Fatalf("connect %s: %v", *endpoint, err)
	}

	count := 0
	for ctx.Err() == nil {
		parts, err := socket.RecvMessageBytes(0)
		if err != nil {
			continue
		}
		if len(parts) != 2 {
			log.Printf("unexpected %d-part message", len(parts))
			continue
		}
		msg, err := publish.Decode(parts[1])
		if err != nil {
			log.Printf("%s: decode: %v", parts[0], err)
			continue
		}
		fmt.Println(describe(msg))
		count++
		if *limit > 0 && count >= *limit {
			return
		}
	}
}

func describe(msg publish.Message) string {
	stamp := msg.Stamp.Format(time.RFC3339Nano)
	if len(msg.Usec) > 0 {
		return fmt.Sprintf("%s stamp=%s frame=%s usec=%v", msg.Topic, stamp, msg.FrameID, msg.Usec)
	}
	return fmt.Sprintf("%s stamp=%s frame=%s %dx%d data=%dx%d %T dense=%t",
		msg.Topic, stamp, msg.FrameID, msg.Width, msg.Height, msg.Data.Rows, msg.Data.Cols, msg.Data.Data, msg.IsDense)
}
