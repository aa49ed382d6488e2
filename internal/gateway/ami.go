package gateway

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"trunkdial/internal/config"
)

// Event is one parsed AMI event or action response
type Event struct {
	Type   string
	Fields map[string]string
}

// AMIClient keeps a persistent authenticated connection to the Asterisk
// Manager Interface and fans incoming events out to subscribers.
type AMIClient struct {
	config      *config.AMIConfig
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	mu          sync.Mutex
	connected   bool
	subscribers []chan Event
	done        chan struct{}
}

// NewAMIClient creates a disconnected client
func NewAMIClient(cfg *config.AMIConfig) *AMIClient {
	return &AMIClient{
		config:      cfg,
		subscribers: make([]chan Event, 0),
		done:        make(chan struct{}),
	}
}

// Connect dials the AMI endpoint, authenticates and starts the event reader
func (c *AMIClient) Connect() error {
	addr := c.config.Address()
	log.Printf("[AMI] Connecting to %s", addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)

	// Banner line before the first response
	if _, err := c.reader.ReadString('\n'); err != nil {
		return fmt.Errorf("reading AMI banner: %w", err)
	}

	if err := c.login(); err != nil {
		c.conn.Close()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	log.Printf("[AMI] Connected")

	go c.readEvents()

	return nil
}

func (c *AMIClient) login() error {
	action := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
		c.config.Username, c.config.Secret)

	if _, err := c.writer.WriteString(action); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	response, err := c.readResponse()
	if err != nil {
		return err
	}
	if response.Fields["Response"] != "Success" {
		return fmt.Errorf("%w: %s", ErrAuthFailed, response.Fields["Message"])
	}
	return nil
}

// readResponse reads one complete key/value block terminated by a blank line
func (c *AMIClient) readResponse() (*Event, error) {
	fields := make(map[string]string)

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}

	return &Event{Type: fields["Event"], Fields: fields}, nil
}

func (c *AMIClient) readEvents() {
	for {
		select {
		case <-c.done:
			return
		default:
			event, err := c.readResponse()
			if err != nil {
				log.Printf("[AMI] Read error: %v", err)
				c.reconnect() // blocks until reconnected or closed
				return        // Connect started a fresh reader goroutine
			}

			c.mu.Lock()
			for _, sub := range c.subscribers {
				select {
				case sub <- *event:
				default:
					// subscriber buffer full, drop for that subscriber
				}
			}
			c.mu.Unlock()
		}
	}
}

// Subscribe returns a channel receiving every AMI event
func (c *AMIClient) Subscribe() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, 2000)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *AMIClient) reconnect() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		log.Printf("[AMI] Reconnecting in %d seconds", c.config.ReconnectInterval)
		time.Sleep(time.Duration(c.config.ReconnectInterval) * time.Second)

		if err := c.Connect(); err != nil {
			log.Printf("[AMI] Reconnect failed: %v", err)
		} else {
			return
		}
	}
}

// SendAction writes a raw action block to the AMI connection
func (c *AMIClient) SendAction(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrUnreachable
	}

	if _, err := c.writer.WriteString(action); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Close shuts the connection down
func (c *AMIClient) Close() error {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
