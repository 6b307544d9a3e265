package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

func brokerAccept(t testing.TB, b *transport.NetConn) *packet.Connect {
	pkt, err := b.Receive()
	require.NoError(t, err)
	connect, ok := pkt.(*packet.Connect)
	require.True(t, ok, "expected CONNECT received=%s", PacketString(pkt))
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	require.NoError(t, b.Send(connack, false))
	return connect
}

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		received chan *packet.Message
		opts     Options
	}
	cases := []struct {
		name   string
		setup  func(env *tenv)
		client func(t testing.TB, env *tenv, mc *Client)
		broker func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", nil, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			connect := brokerAccept(t, b)
			assert.Equal(t, "uplink-test", connect.ClientID)
			assert.True(t, connect.CleanSession)
		}},

		{"subscribe-receive", func(env *tenv) {
			env.opts.Subscriptions = StationSubscriptions("fs/", "st1")
		}, func(t testing.TB, env *tenv, mc *Client) {
			select {
			case m := <-env.received:
				assert.Equal(t, "fs/heartbeats/st1", m.Topic)
				lines, err := Describe("fs/", "st1", m)
				require.NoError(t, err)
				assert.Equal(t, []string{`heartbeats {"revision":1,"timestamp":2,"success":true}`}, lines)
			case <-time.After(timeout):
				t.Fatal("message not received")
			}
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			brokerAccept(t, b)
			pkt, err := b.Receive()
			require.NoError(t, err)
			sub, ok := pkt.(*packet.Subscribe)
			require.True(t, ok, "expected SUBSCRIBE received=%s", PacketString(pkt))
			assert.Len(t, sub.Subscriptions, 5)
			suback := packet.NewSuback()
			suback.ID = sub.ID
			suback.ReturnCodes = make([]packet.QOS, len(sub.Subscriptions))
			for i := range suback.ReturnCodes {
				suback.ReturnCodes[i] = packet.QOSAtLeastOnce
			}
			require.NoError(t, b.Send(suback, false))

			pub := packet.NewPublish()
			pub.ID = 7
			pub.Message = packet.Message{
				Topic:   "fs/heartbeats/st1",
				Payload: []byte(`{"heartbeats":[{"revision":1,"timestamp":2,"success":true}]}`),
				QOS:     packet.QOSAtLeastOnce,
			}
			require.NoError(t, b.Send(pub, false))
			pkt, err = b.Receive()
			require.NoError(t, err)
			puback, ok := pkt.(*packet.Puback)
			require.True(t, ok, "expected PUBACK received=%s", PacketString(pkt))
			assert.Equal(t, packet.ID(7), puback.ID)
		}},

		{"push-config", nil, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			r := tele_api.ConfigRequest{Revision: 5, Configuration: tele_api.Configuration{Version: "2024.10"}}
			require.NoError(t, mc.PushConfig(ctx, "fs/", "st1", r))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			brokerAccept(t, b)
			pkt, err := b.Receive()
			require.NoError(t, err)
			pub, ok := pkt.(*packet.Publish)
			require.True(t, ok, "expected PUBLISH received=%s", PacketString(pkt))
			assert.Equal(t, "fs/configurations/st1", pub.Message.Topic)
			assert.True(t, pub.Message.Retain)
			assert.Equal(t, packet.QOSAtLeastOnce, pub.Message.QOS)
			assert.JSONEq(t, `{"revision":5,"configuration":{"version":"2024.10"}}`, string(pub.Message.Payload))
			puback := packet.NewPuback()
			puback.ID = pub.ID
			require.NoError(t, b.Send(puback, false))
		}},

		{"push-config-invalid", nil, func(t testing.TB, env *tenv, mc *Client) {
			r := tele_api.ConfigRequest{Revision: 5, Configuration: tele_api.Configuration{Version: "1"}}
			assert.Error(t, mc.PushConfig(context.Background(), "fs/", "st1", r))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			brokerAccept(t, b)
		}},

		{"puback-timeout", func(env *tenv) {
			env.opts.NetworkTimeout = 200 * time.Millisecond
		}, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := mc.Publish(ctx, &packet.Message{Topic: "x", Payload: []byte("1"), QOS: packet.QOSAtLeastOnce})
			assert.Error(t, err)
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			brokerAccept(t, b)
			_, _ = b.Receive()
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{received: make(chan *packet.Message, 1)}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.opts = Options{
				BrokerURL:      fmt.Sprintf("tcp://%s", ln.Addr().String()),
				ClientID:       "uplink-test",
				Log:            log2.NewTest(t, log2.LDebug),
				NetworkTimeout: timeout,
				OnMessage: func(m *packet.Message) error {
					env.received <- m
					return nil
				},
			}
			if c.setup != nil {
				c.setup(env)
			}

			broker := alive.NewAlive()
			broker.Add(1)
			go func() {
				defer broker.Done()
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.SetDeadline(time.Now().Add(timeout))
				c.broker(t, env, transport.NewNetConn(conn))
			}()

			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			c.client(t, env, mc)
			broker.WaitTasks()
			assert.NoError(t, mc.Close())
		})
	}
}

func TestNewClientInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Options{BrokerURL: "not a url"})
	assert.Error(t, err)
	_, err = NewClient(Options{BrokerURL: "tcp://127.0.0.1:1", Subscriptions: StationSubscriptions("", "s")})
	assert.Error(t, err)
}
