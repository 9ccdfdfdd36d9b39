// Command bridge_logger follows the bridge status websocket and writes
// every update to InfluxDB.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

const measurement = "rotator_bridge.status"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Create client
	server := getenv("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(getenv("INFLUX_ORG", "by6dx"), getenv("INFLUX_BUCKET", "rotator_bridge.raw"))
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	url := getenv("BRIDGE_ADDRESS", "ws://localhost:8502/api/ws")
	for {
		if err := logData(url, writeApi); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

// flattenStatus turns nested JSON into dotted field names.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		if prefix == "" {
			return
		}
		fields[prefix[1:]] = status
	}
}

func statusFields(status interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	return fields
}

func logData(url string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("connected to %s", url)
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		// write asynchronously
		writeApi.WritePoint(influxdb2.NewPoint(measurement, nil, statusFields(status), time.Now()))
	}
}
