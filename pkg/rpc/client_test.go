package rpc_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceph-nvme/nvmf-proxy/pkg/rpc"
)

// replyServer answers every datagram with the reply registered for its method.
func replyServer(t *testing.T, replies map[string]string) (string, <-chan map[string]interface{}) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	received := make(chan map[string]interface{}, 16)
	go func() {
		buf := make([]byte, 65535)
		for {
			n, peer, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(buf[:n], &msg); err != nil {
				continue
			}
			received <- msg
			if reply, ok := replies[msg["method"].(string)]; ok {
				conn.WriteTo([]byte(reply), peer)
			}
		}
	}()
	return conn.LocalAddr().String(), received
}

func TestCall(t *testing.T) {
	addr, received := replyServer(t, map[string]string{
		"find":      `{"nqn":"nqn.a","pool":"rbd","image":"img","cluster":"c1","addr":"10.0.0.1","port":4420}`,
		"remove":    `{"error":"subsystem nqn.a not found","code":"NotFound"}`,
		"host_list": `"any"`,
		"list":      `[]`,
	})
	c := rpc.NewClient(addr, 2*time.Second)
	ctx := context.Background()

	var info rpc.SubsystemInfo
	require.NoError(t, c.Call(ctx, rpc.Find("nqn.a"), &info))
	assert.Equal(t, "10.0.0.1", info.Addr)
	require.NotNil(t, info.Port)
	assert.Equal(t, 4420, *info.Port)
	assert.Equal(t, "find", (<-received)["method"])

	err := c.Call(ctx, rpc.Remove("nqn.a"), nil)
	require.Error(t, err)
	assert.True(t, rpc.IsCode(err, "NotFound"))
	assert.Equal(t, "NotFound: subsystem nqn.a not found", err.Error())
	<-received

	var hosts string
	require.NoError(t, c.Call(ctx, rpc.HostList("nqn.a"), &hosts))
	assert.Equal(t, "any", hosts)
	<-received

	var list []rpc.Subsystem
	require.NoError(t, c.Call(ctx, rpc.List(), &list))
	assert.Empty(t, list)
}

func TestSendAndTimeout(t *testing.T) {
	addr, received := replyServer(t, nil)
	c := rpc.NewClient(addr, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, rpc.Stop()))
	assert.Equal(t, "stop", (<-received)["method"])

	// no reply is registered for list
	err := c.Call(ctx, rpc.List(), nil)
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestMessages(t *testing.T) {
	assert.Equal(t, rpc.Message{"method": "create", "nqn": "n", "cluster": "c", "rbd_name": "i", "addr": "a"},
		rpc.Create("n", "c", "", "i", "a"))
	assert.Equal(t, "p", rpc.Create("n", "c", "p", "i", "a")["pool_name"])

	msg := rpc.HostAdd("n", "h", nil)
	_, ok := msg["dhchap_key"]
	assert.False(t, ok)
	key := "secret"
	assert.Equal(t, "secret", rpc.HostAdd("n", "h", &key)["dhchap_key"])

	data, err := json.Marshal(rpc.Leave(rpc.UnitRef{NQN: "n", Addr: "10.0.0.1", Port: 4420}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"leave","subsystems":[{"nqn":"n","addr":"10.0.0.1","port":4420}]}`, string(data))
}
