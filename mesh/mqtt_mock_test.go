package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
)

func TestMockClient_Connect(t *testing.T) {
	mock := NewMockClient()

	token := mock.Connect()
	if !token.WaitTimeout(1 * time.Second) {
		t.Error("Connect should complete immediately")
	}
	if token.Error() != nil {
		t.Errorf("Connect error = %v, want nil", token.Error())
	}
	if !mock.IsConnected() {
		t.Error("Client should be connected after Connect()")
	}
}

func TestMockClient_ConnectWithError(t *testing.T) {
	mock := NewMockClient()
	expectedErr := errors.New("connection failed")
	mock.SetConnectError(expectedErr)

	token := mock.Connect()
	if token.Error() != expectedErr {
		t.Errorf("Connect error = %v, want %v", token.Error(), expectedErr)
	}
	if mock.IsConnected() {
		t.Error("Client should not be connected after failed Connect()")
	}
}

func TestMockClient_PublishNotConnected(t *testing.T) {
	mock := NewMockClient()

	token := mock.Publish("test/topic", 0, false, "x")
	if token.Error() != mqtt.ErrNotConnected {
		t.Errorf("Publish error = %v, want ErrNotConnected", token.Error())
	}
	if len(mock.GetPublishedMessages()) != 0 {
		t.Error("nothing should be recorded while disconnected")
	}
}

func TestMockClient_SubscribeAndUnsubscribe(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var received []string
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		received = append(received, string(msg.Payload()))
	}
	if err := mock.Subscribe("a/b", 0, handler).Error(); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	mock.SimulateMessage("a/b", []byte("one"))
	mock.SimulateMessage("a/other", []byte("ignored"))
	mock.Unsubscribe("a/b")
	mock.SimulateMessage("a/b", []byte("two"))

	if len(received) != 1 || received[0] != "one" {
		t.Errorf("received = %v, want [one]", received)
	}
	if len(mock.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %v, want none", mock.Subscriptions())
	}
}

func TestMockClient_SubscribeError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetSubscribeError(errors.New("denied"))

	if mock.Subscribe("a/b", 0, nil).Error() == nil {
		t.Error("expected subscribe error")
	}
}

// TestMQTTToPublisher_EndToEnd drives frames from the frame topic through a
// running session and checks the reports that come back out.
func TestMQTTToPublisher_EndToEnd(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)

	session := NewSession(testICPConfig(1), 4, nil, clock.NewMock())
	publisher := NewPublisher(mock, "cloudmesh", nil, clock.NewMock())

	committed := make(chan FrameResult, 2)
	session.OnFrame(publisher.HandleFrame)
	session.OnFrame(func(r FrameResult, _ Status) { committed <- r })

	frames := func(_ string, frame []r3.Vector, err error) {
		if err != nil {
			t.Errorf("unexpected decode error: %v", err)
			return
		}
		if err := session.Submit(frame); err != nil {
			t.Errorf("Submit error = %v", err)
		}
	}
	client := newMQTTClientWithMock(mock, DefaultConfig(), publisher.ControlTopic(), frames, nil)
	client.onConnect(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = session.Run(ctx) }()

	first, second := twoPointFrames()
	for _, f := range [][]r3.Vector{first, second} {
		payload, err := EncodeFramePayload(f)
		if err != nil {
			t.Fatal(err)
		}
		mock.SimulateMessage("cloudmesh/frames", payload)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-committed:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for committed frame")
		}
	}

	var reports []RegistrationReport
	for _, msg := range mock.GetPublishedMessages() {
		if msg.Topic != publisher.RegistrationTopic() {
			continue
		}
		var r RegistrationReport
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			t.Fatalf("bad report: %v", err)
		}
		reports = append(reports, r)
	}
	if len(reports) != 2 {
		t.Fatalf("registration reports = %d, want 2", len(reports))
	}
	if !reports[0].Result.Bootstrap || reports[1].Result.Bootstrap {
		t.Error("first report should be the bootstrap frame only")
	}
	if got := reports[1].Result.MapSize; got != 4 {
		t.Errorf("MapSize = %d, want 4", got)
	}
}
