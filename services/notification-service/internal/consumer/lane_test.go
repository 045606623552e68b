package consumer

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestLaneIsFIFOAndUnbounded(t *testing.T) {
	l := newLane()
	for i := int64(0); i < 1000; i++ {
		if n := l.push(kafka.Message{Offset: i}); n != int(i)+1 {
			t.Fatalf("push %d reported backlog %d", i, n)
		}
	}
	for i := int64(0); i < 1000; i++ {
		msg, ok := l.pop()
		if !ok {
			t.Fatalf("lane closed early at %d", i)
		}
		if msg.Offset != i {
			t.Fatalf("expected offset %d, got %d", i, msg.Offset)
		}
	}
}

func TestLanePopWaitsForPush(t *testing.T) {
	l := newLane()
	got := make(chan int64, 1)
	go func() {
		msg, ok := l.pop()
		if ok {
			got <- msg.Offset
		}
	}()

	select {
	case off := <-got:
		t.Fatalf("pop returned %d from an empty lane", off)
	case <-time.After(20 * time.Millisecond):
	}

	l.push(kafka.Message{Offset: 7})
	select {
	case off := <-got:
		if off != 7 {
			t.Fatalf("expected offset 7, got %d", off)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake up after push")
	}
}

func TestLaneCloseDropsPending(t *testing.T) {
	l := newLane()
	l.push(kafka.Message{Offset: 1})
	l.close()

	if _, ok := l.pop(); ok {
		t.Fatal("expected closed lane to stop handing out queued messages")
	}
}

func TestLaneCloseWakesWaitingWorker(t *testing.T) {
	l := newLane()
	done := make(chan bool, 1)
	go func() {
		_, ok := l.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	l.close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected pop to report a closed lane")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake the worker")
	}
}
