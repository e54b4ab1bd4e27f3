package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/DimaPhil/dkvs"
)

var ErrUnexpectedReply = errors.New("unexpected reply")

// Client speaks the text protocol to one node over a single connection.
// Requests are answered in order, so it is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	// timeout bounds every request, 0 waits forever
	timeout time.Duration
}

func Dial(addr string, timeout time.Duration) (*Client, error) {
	var dialTimeout = timeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
	}

	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Do sends one raw request line and returns the reply line
func (c *Client) Do(line string) (string, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return "", fmt.Errorf("cannot send request: %w", err)
	}

	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("cannot read reply: %w", err)
	}

	return strings.TrimRight(reply, "\r\n"), nil
}

func (c *Client) Get(key string) (string, bool, error) {
	var reply, err = c.Do("get " + key)
	if err != nil {
		return "", false, err
	}

	if reply == dkvs.ReplyNotFound {
		return "", false, nil
	}

	if value, ok := dkvs.ParseValueReply(reply, key); ok {
		return value, true, nil
	}

	return "", false, replyErr(reply)
}

func (c *Client) Set(key, value string) error {
	var reply, err = c.Do("set " + key + " " + value)
	if err != nil {
		return err
	}

	if reply != dkvs.ReplyStored {
		return replyErr(reply)
	}

	return nil
}

// Delete reports whether the key existed
func (c *Client) Delete(key string) (bool, error) {
	var reply, err = c.Do("delete " + key)
	if err != nil {
		return false, err
	}

	switch reply {
	case dkvs.ReplyDeleted:
		return true, nil
	case dkvs.ReplyNotFound:
		return false, nil
	}

	return false, replyErr(reply)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func replyErr(reply string) error {
	if err := dkvs.ReplyError(reply); err != nil {
		return err
	}

	return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}
