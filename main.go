package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-peergroup/config"
	"github.com/Meander-Cloud/go-peergroup/logcollect"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/node"
	"github.com/Meander-Cloud/go-peergroup/room"
)

const (
	serverAddress string = "localhost:8921"
	roomName      string = "demo"
)

func serverConfig() *config.Config {
	return &config.Config{
		Host:               "S",
		Instance:           "server",
		EventChannelLength: 256,

		ListenAddress:        serverAddress,
		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,

		LogPrefix: "test1-server",
		LogDebug:  false,
	}
}

func clientConfig(instance string) *config.Config {
	return &config.Config{
		Host:               "C" + instance,
		Instance:           instance,
		EventChannelLength: 256,

		ServerAddress:        serverAddress,
		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,

		StatusLogInterval: 10,
		CollectorSinkDir:  "logs-" + instance,

		LogPrefix: "test1-client" + instance,
		LogDebug:  false,
	}
}

// startClient wires the demo behavior: instance 1 opens a published room and
// collects logs, every other instance looks the room up and joins it.
func startClient(instance string) (*node.Client, error) {
	cl, err := node.NewClient(clientConfig(instance))
	if err != nil {
		return nil, err
	}

	emitter := cl.NewEmitter(logcollect.EventTypeApplication, map[string]string{"instance": instance})

	err = cl.Do(func(r *room.Client, coll *logcollect.Collector) {
		// invoked on arbiter goroutine
		r.OnJoinedRoom.Subscribe(func(rm *m.Room) {
			log.Printf("test1-client%s: joined room %s, code=%s", instance, rm.Name, rm.JoinCode)
			emitter.Log("joined", rm.UUID)

			if instance == "1" {
				coll.StartCollection()
			}
		})
		r.OnPeerAdded.Subscribe(func(p *m.Peer) {
			emitter.Log("peer-added", p.UUID)
		})
		r.OnRejected.Subscribe(func(ev room.RejectedEvent) {
			log.Printf("test1-client%s: rejected, reason=%s", instance, ev.Reason)
		})
		r.OnRooms.Subscribe(func(ev room.RoomsEvent) {
			if r.State() != room.StateDisconnected {
				return
			}
			for _, rm := range ev.Rooms {
				if rm.Publish && rm.Name == roomName {
					r.Join(rm.JoinCode)
					return
				}
			}
		})
	})
	if err != nil {
		cl.Shutdown()
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(time.Second * 3)
		defer ticker.Stop()

		for range ticker.C {
			err := cl.Do(func(r *room.Client, _ *logcollect.Collector) {
				// invoked on arbiter goroutine
				if r.State() != room.StateDisconnected {
					emitter.Log("heartbeat", time.Now().UTC().Unix())
					return
				}
				if instance == "1" {
					r.JoinNew(roomName, true)
				} else {
					r.RequestRooms()
				}
			})
			if err != nil {
				return
			}
		}
	}()

	return cl, nil
}

func waitSignal() {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("test1: received signal %s, exiting", sig.String())
}

func test1() {
	if len(os.Args) <= 1 {
		log.Printf("test1: must specify instance server/1/2/3/local")
		return
	}

	instance := os.Args[1]
	switch instance {
	case "server":
		s, err := node.NewServer(serverConfig())
		if err != nil {
			panic(err)
		}

		waitSignal()
		s.Shutdown()

	case "1", "2", "3":
		cl, err := startClient(instance)
		if err != nil {
			panic(err)
		}

		waitSignal()
		cl.Shutdown()

	case "local":
		s, err := node.NewServer(serverConfig())
		if err != nil {
			panic(err)
		}

		instances := []string{"1", "2", "3"}
		clients := make([]*node.Client, len(instances))

		var eg errgroup.Group
		for i, inst := range instances {
			eg.Go(func() error {
				cl, err := startClient(inst)
				clients[i] = cl
				return err
			})
		}
		err = eg.Wait()
		if err != nil {
			log.Printf("test1: failed to start clients, err=%s", err.Error())
		} else {
			waitSignal()
		}

		var sg errgroup.Group
		for _, cl := range clients {
			if cl == nil {
				continue
			}
			sg.Go(cl.Shutdown)
		}
		err = sg.Wait()
		if err != nil {
			log.Printf("test1: shutdown error, err=%s", err.Error())
		}
		s.Shutdown()

	default:
		log.Printf("test1: must specify instance server/1/2/3/local")
	}
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	test1()
}
