package main

import (
	"context"
	"flag"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/liblocker/liblocker/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	address    = flag.String("address", "localhost:8765", "coordinator gRPC address")
	hardwareID = flag.String("hardware-id", "", "hardware id to register with (random when empty)")
	name       = flag.String("name", "test-client", "agent display name")
	pings      = flag.Int("pings", 3, "number of pings to send")
	delay      = flag.Duration("delay", 2*time.Second, "delay between pings")
	listen     = flag.Duration("listen", 5*time.Second, "how long to print commands after the last ping")
)

func main() {
	flag.Parse()

	if *hardwareID == "" {
		*hardwareID = "test-client-" + uuid.NewString()
	}

	log.Printf("Connecting to coordinator at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stream, err := protocol.NewCoordinatorClient(conn).Stream(ctx)
	if err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}

	hello, err := protocol.NewEnvelope(protocol.KindRegister, protocol.Register{
		HardwareID: *hardwareID,
		Name:       *name,
	})
	if err != nil {
		log.Fatalf("Failed to build register: %v", err)
	}
	if err := stream.Send(hello); err != nil {
		log.Fatalf("Failed to send register: %v", err)
	}
	log.Printf("Sent register hardware_id=%s", *hardwareID)

	done := make(chan struct{})
	errChan := make(chan error, 1)

	go receiveMessages(stream, done, errChan)

	sendPings(stream, *pings, *delay)

	select {
	case err := <-errChan:
		if err != nil && err != io.EOF {
			log.Printf("Receive error: %v", err)
		}
	case <-time.After(*listen):
	}

	if err := stream.CloseSend(); err != nil {
		log.Printf("Error closing send: %v", err)
	}
	close(done)
	log.Println("Test client finished")
}

func receiveMessages(stream protocol.StreamClient, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			msg, err := stream.Recv()
			if err != nil {
				errChan <- err
				return
			}

			switch msg.Kind {
			case protocol.KindAck:
				var ack protocol.Ack
				if err := msg.Decode(&ack); err != nil {
					log.Printf("Malformed ack: %v", err)
					continue
				}
				log.Printf("Registered agent_id=%d status=%s", ack.AgentID, ack.Status)
			case protocol.KindPong:
				log.Printf("Received pong at %s", msg.Timestamp)
			case protocol.KindPing:
				pong, _ := protocol.NewEnvelope(protocol.KindPong, nil)
				if err := stream.Send(pong); err != nil {
					log.Printf("Failed to answer ping: %v", err)
				}
			default:
				log.Printf("Received %s payload=%s", msg.Kind, string(msg.Payload))
			}
		}
	}
}

func sendPings(stream protocol.StreamClient, count int, delay time.Duration) {
	for i := 0; i < count; i++ {
		time.Sleep(delay)

		ping, err := protocol.NewEnvelope(protocol.KindPing, nil)
		if err != nil {
			log.Printf("Failed to build ping: %v", err)
			return
		}
		if err := stream.Send(ping); err != nil {
			log.Printf("Failed to send ping: %v", err)
			return
		}
		log.Printf("Sent ping %d/%d", i+1, count)
	}
}
