//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"uplink/domain"
	"uplink/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// Used for logging and supervision, avoiding manual naming in the
// Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink receives inbound events routed to a room subscription.
type EventSink interface {
	Consume(ctx context.Context, e event.InboundEvent) error
}

// IRouter demultiplexes the single connection event stream by room id.
type IRouter interface {
	Subscribe(roomID domain.RoomID, sink EventSink)
	Unsubscribe(roomID domain.RoomID, sink EventSink)
}

// IChannel is the slice of the connection manager the upload side needs:
// room membership and raw frame transmission, both failing fast when the
// channel is not connected.
type IChannel interface {
	JoinRoom(roomID domain.RoomID) error
	LeaveRoom(roomID domain.RoomID) error
	Send(frame []byte) error
	State() domain.ConnectionState
}
