package main

// load simulator: spawns concurrent synthetic clients against a running
// canvas server. Each client mints an identity, connects over the websocket,
// and alternates random cell writes with cursor movement while counting the
// events it hears back.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/SvanteTE23/pixles/pixles"
)

const SimVersion = "0.1.0"

func main() {
	usage := `Pixles load simulator.

Usage:
    pixles-sim run [--url=<url>] [--clients=<clients>]
        [--duration=<duration>]
        [--place_interval=<place_interval>]
        [--grid_size=<grid_size>]
        [-v...]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --url=<url>                        Server base url [default: http://127.0.0.1:8080].
    -n --clients=<clients>             Concurrent clients [default: 10].
    --duration=<duration>              Run duration in seconds [default: 30].
    --place_interval=<place_interval>  Milliseconds between writes per client [default: 250].
    --grid_size=<grid_size>            Coordinate range to write into [default: 1000].
    -v                                 Increase log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SimVersion)
	if err != nil {
		panic(err)
	}

	vCount, _ := opts.Int("-v")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", vCount))
	flag.Parse()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

type simStats struct {
	mutex  sync.Mutex
	counts map[string]int
}

func newSimStats() *simStats {
	return &simStats{
		counts: map[string]int{},
	}
}

func (self *simStats) Add(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.counts[key] += 1
}

func (self *simStats) Summary() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	parts := []string{}
	for _, key := range []string{
		"sent",
		pixles.MessageCellChanged,
		pixles.MessageCellsChanged,
		pixles.MessagePlaceDenied,
		pixles.MessagePeerCursor,
		pixles.MessagePeerJoined,
		pixles.MessagePeerLeft,
		pixles.MessageSnapshot,
		"error",
	} {
		parts = append(parts, fmt.Sprintf("%s=%d", key, self.counts[key]))
	}
	return strings.Join(parts, " ")
}

func run(opts docopt.Opts) {
	baseUrl, _ := opts.String("--url")
	clientCount, _ := opts.Int("--clients")
	durationS, _ := opts.Int("--duration")
	placeIntervalMs, _ := opts.Int("--place_interval")
	gridSize, _ := opts.Int("--grid_size")

	duration := time.Duration(durationS) * time.Second
	placeInterval := time.Duration(placeIntervalMs) * time.Millisecond

	cancelCtx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	stats := newSimStats()

	startTime := time.Now()
	doneClient := make(chan int)
	for i := 0; i < clientCount; i += 1 {
		clientIndex := i
		go func() {
			defer func() {
				doneClient <- clientIndex
			}()
			client := &simClient{
				ctx:           cancelCtx,
				baseUrl:       baseUrl,
				gridSize:      gridSize,
				placeInterval: placeInterval,
				stats:         stats,
			}
			if err := client.Run(); err != nil {
				glog.Infof("[sim]client %d error = %s\n", clientIndex, err)
				stats.Add("error")
			}
		}()
	}

	for i := 0; i < clientCount; i += 1 {
		<-doneClient
	}

	glog.Infof("[sim]%d clients for %.fs: %s\n", clientCount, time.Now().Sub(startTime).Seconds(), stats.Summary())
}

type simClient struct {
	ctx           context.Context
	baseUrl       string
	gridSize      int
	placeInterval time.Duration
	stats         *simStats
}

func (self *simClient) Run() error {
	token, err := self.createIdentity()
	if err != nil {
		return err
	}

	wsUrl := strings.Replace(self.baseUrl, "http", "ws", 1) + "/ws"
	ws, _, err := websocket.DefaultDialer.DialContext(self.ctx, wsUrl, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// count everything the server pushes back
	go func() {
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var envelope pixles.Envelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				continue
			}
			self.stats.Add(envelope.Type)
		}
	}()

	if err := self.send(ws, pixles.MessageIdentify, &pixles.IdentifyPayload{
		Token: token,
	}); err != nil {
		return err
	}

	for {
		select {
		case <-self.ctx.Done():
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return nil
		case <-time.After(self.placeInterval):
		}

		x := rand.Intn(self.gridSize)
		y := rand.Intn(self.gridSize)
		if err := self.send(ws, pixles.MessageCursor, &pixles.CursorPayload{
			X: x,
			Y: y,
		}); err != nil {
			return err
		}
		if err := self.send(ws, pixles.MessagePlaceCell, &pixles.PlaceCellPayload{
			X:     x,
			Y:     y,
			Color: pixles.RandomDisplayColor(),
		}); err != nil {
			return err
		}
		self.stats.Add("sent")
	}
}

func (self *simClient) send(ws *websocket.Conn, messageType string, payload any) error {
	message, err := pixles.EncodeMessage(messageType, payload)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (self *simClient) createIdentity() (string, error) {
	request, err := http.NewRequestWithContext(self.ctx, "POST", self.baseUrl+"/v1/identity", nil)
	if err != nil {
		return "", err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity status %d", response.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}
