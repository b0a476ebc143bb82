// Package main runs a demo driver against a local dispatch API: it submits
// a few stops, connects as the driver of the vehicle that received them
// and walks the route stop by stop.
//
// Start the API with the demo feed first:
//
//	ORDERS_CSV=scripts/demo/orders.csv VEHICLES_CSV=scripts/demo/vehicles.csv go run ./cmd/api
package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"routedispatch/internal/hub"
	"routedispatch/internal/model"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	vehicle := os.Getenv("VEHICLE_ID")
	if vehicle == "" {
		vehicle = "v1"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	body := []byte(`{"mode":"incremental","stops":[
		{"id":"demo-1","demand":1,"location":{"lat":52.3712,"lng":4.8961}},
		{"id":"demo-2","demand":1,"location":{"lat":52.3650,"lng":4.8890}}]}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "dispatcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("optimize: %s", resp.Status)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Vehicle-Id", vehicle)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	var route *model.Route
	var version int64
	// read until the next ack or error, following deltas on the way
	await := func() hub.Message {
		for {
			_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
			var m hub.Message
			if err := c.ReadJSON(&m); err != nil {
				log.Fatalf("read: %v", err)
			}
			switch m.Kind {
			case hub.KindSnapshot:
				route, version = m.Route, m.Version
				log.Printf("WS <- snapshot v%d with %d stops", m.Version, len(m.Route.Stops))
				return m
			case hub.KindDelta:
				version = m.Version
				log.Printf("WS <- delta v%d kind=%s", m.Version, m.Delta.Kind)
			case hub.KindAck, hub.KindError:
				return m
			default:
				log.Printf("WS <- %s", m.Kind)
			}
		}
	}
	await()
	if route == nil || len(route.Stops) == 0 {
		log.Printf("vehicle %s has no stops", vehicle)
		return
	}

	send := func(m hub.Message) {
		m.Version = version
		if err := c.WriteJSON(m); err != nil {
			log.Fatal(err)
		}
		if got := await(); got.Kind == hub.KindError {
			log.Fatalf("rejected: %s %s", got.Error.Code, got.Error.Message)
		} else {
			version = got.Version
		}
	}
	for _, st := range route.Stops {
		if st.Status.Terminal() {
			continue
		}
		send(hub.Message{Kind: hub.KindLocationReport, Location: &model.LocationEvent{Position: st.Location, At: time.Now()}})
		for _, status := range []model.StopStatus{model.StopEnRoute, model.StopArrived, model.StopCompleted} {
			send(hub.Message{Kind: hub.KindStatusReport, StopID: st.ID, Status: status, At: time.Now()})
		}
		log.Printf("stop %s completed at v%d", st.ID, version)
	}
}
