package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"depthcam-go/internal/ingest"
	"depthcam-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to rawlog .bin file")
		limit = flag.Int("limit", 1, "Number of records to dump (0 = all)")
		raw   = flag.Bool("raw", false, "Print the CBOR structure instead of a frame summary")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatal(err)
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		ts, payload, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			log.Fatalf("read record: %v", err)
		}
		log.Printf("record %d timestamp=%s size=%d", count, ts.Format(time.RFC3339Nano), len(payload))
		count++

		if *raw {
			var decoded any
			if err := cbor.Unmarshal(payload, &decoded); err != nil {
				log.Printf("record %d: CBOR decode error: %v", count-1, err)
				continue
			}
			pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
			if err != nil {
				log.Printf("record %d: JSON encode error: %v", count-1, err)
				continue
			}
			fmt.Println(string(pretty))
			continue
		}

		frame, serial, err := ingest.DecodeFrame(payload)
		if err != nil {
			log.Printf("record %d: %v", count-1, err)
			continue
		}
		fmt.Printf("serial=%s stream_id=%d size=%dx%d exposures=%v points=%d\n",
			serial, frame.StreamID, frame.Width, frame.Height, frame.ExposureTimes, len(frame.Points))
	}
}
