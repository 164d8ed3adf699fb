package coordstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"
	"k8s.io/klog/v2"
)

// RESPListener is a read-only RESP endpoint over the store, so operators can
// inspect rendezvous state with any redis client:
//
//	PING            -> PONG
//	INFO            -> current round + round count
//	ROUNDS [n]      -> the latest n rounds (default 10)
//	ROUND <id>      -> one round's status, revision and worker list
type RESPListener struct {
	addr   string
	store  *MemStore
	server *redcon.Server
}

// NewRESPListener builds the listener for the given store.
func NewRESPListener(addr string, store *MemStore) *RESPListener {
	l := &RESPListener{addr: addr, store: store}
	l.server = redcon.NewServer(addr, l.handleCommand, l.handleAccept, l.handleClose)
	return l
}

// Start serves until Stop.
func (l *RESPListener) Start() error {
	klog.Infof("RESP inspection listener on %s", l.addr)
	return l.server.ListenAndServe()
}

// Stop closes the listener.
func (l *RESPListener) Stop() error {
	return l.server.Close()
}

func (l *RESPListener) handleAccept(conn redcon.Conn) bool {
	klog.V(2).Infof("inspection client connected: %s", conn.RemoteAddr())
	return true
}

func (l *RESPListener) handleClose(conn redcon.Conn, err error) {
	klog.V(2).Infof("inspection client disconnected: %s", conn.RemoteAddr())
}

func (l *RESPListener) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	switch strings.ToUpper(string(cmd.Args[0])) {
	case "PING":
		conn.WriteString("PONG")

	case "QUIT":
		conn.WriteString("OK")
		conn.Close()

	case "INFO":
		rounds := l.store.Rounds(0)
		var current uint64
		if len(rounds) > 0 {
			current = rounds[0].ID
		}
		info := fmt.Sprintf("current_round:%d\r\nrounds:%d\r\n", current, len(rounds))
		conn.WriteBulkString(info)

	case "ROUNDS":
		limit := 10
		if len(cmd.Args) > 1 {
			if v, err := strconv.Atoi(string(cmd.Args[1])); err == nil && v > 0 {
				limit = v
			}
		}
		rounds := l.store.Rounds(limit)
		conn.WriteArray(len(rounds))
		for _, r := range rounds {
			conn.WriteBulkString(fmt.Sprintf("round=%d status=%s workers=%d rev=%d",
				r.ID, r.Status, len(r.Workers), r.Revision))
		}

	case "ROUND":
		if len(cmd.Args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'round'")
			return
		}
		id, err := strconv.ParseUint(string(cmd.Args[1]), 10, 64)
		if err != nil {
			conn.WriteError("ERR invalid round id")
			return
		}
		for _, r := range l.store.Rounds(0) {
			if r.ID == id {
				lines := []string{
					fmt.Sprintf("id:%d", r.ID),
					fmt.Sprintf("status:%s", r.Status),
					fmt.Sprintf("revision:%d", r.Revision),
				}
				if r.Reason != "" {
					lines = append(lines, "reason:"+r.Reason)
				}
				for i, w := range r.Workers {
					lines = append(lines, fmt.Sprintf("worker%d:%s", i, w))
				}
				conn.WriteBulkString(strings.Join(lines, "\r\n") + "\r\n")
				return
			}
		}
		conn.WriteNull()

	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}
