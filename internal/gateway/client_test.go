package gateway

import "testing"

func TestClient_SendRecoversAttemptsOnSuccessfulDelivery(t *testing.T) {
	c := newClient(1, nil, 1)

	c.Send([]byte("a")) // fills the one-slot queue
	c.Send([]byte("b")) // dropped, attempt 1
	c.Send([]byte("c")) // dropped, attempt 2

	<-c.send // drain one slot so the next Send succeeds
	c.Send([]byte("d"))

	select {
	case <-c.closed:
		t.Fatal("client closed after only 2 consecutive failures followed by a success")
	default:
	}
}

func TestClient_SendClosesAfterThreeConsecutiveFailedAttempts(t *testing.T) {
	c := newClient(1, nil, 1)

	c.Send([]byte("a")) // fills the one-slot queue, succeeds
	c.Send([]byte("b")) // dropped, attempt 1
	c.Send([]byte("c")) // dropped, attempt 2
	c.Send([]byte("d")) // dropped, attempt 3: closes

	select {
	case <-c.closed:
	default:
		t.Fatal("expected client to close after 3 consecutive failed send attempts")
	}
}
