package logbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReplaysHistory(t *testing.T) {
	b := New(10)
	b.Log("info", "one", nil)
	b.Log("info", "two", nil)

	replay, ch, cancel := b.Subscribe(8)
	defer cancel()

	require.Len(t, replay, 2)

	b.Log("info", "three", nil)
	evt := <-ch
	data, ok := evt.Data.(LogData)
	require.True(t, ok)
	require.Equal(t, "three", data.Msg)
}

func TestRingBufferDropsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Publish("n", i)
	}

	replay, _, cancel := b.Subscribe(1)
	defer cancel()

	require.Len(t, replay, 3)
	require.Equal(t, 2, replay[0].Data)
	require.Equal(t, 4, replay[2].Data)
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := New(10)
	_, ch, cancel := b.Subscribe(1)
	defer cancel()

	// 订阅方不读，发布也必须立即返回
	for i := 0; i < 100; i++ {
		b.Publish("n", i)
	}
	require.Len(t, ch, 1)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(10)
	_, ch, cancel := b.Subscribe(4)
	cancel()

	b.Publish("n", 1)
	_, open := <-ch
	require.False(t, open, "取消后通道应被关闭")
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(10)
	_, ch, _ := b.Subscribe(4)
	b.Close()
	b.Close()

	_, open := <-ch
	require.False(t, open)

	// 关闭后发布/订阅都静默可用，不恐慌
	b.Publish("n", 1)
	replay, ch2, cancel2 := b.Subscribe(4)
	defer cancel2()
	require.Empty(t, replay)
	_, open = <-ch2
	require.False(t, open)
}

func TestManySubscribers(t *testing.T) {
	b := New(10)
	var chans []<-chan Event
	for i := 0; i < 5; i++ {
		_, ch, cancel := b.Subscribe(4)
		defer cancel()
		chans = append(chans, ch)
	}

	b.Log("info", fmt.Sprintf("fan-out %d", len(chans)), nil)
	for _, ch := range chans {
		evt := <-ch
		require.Equal(t, "log", evt.Type)
	}
}
