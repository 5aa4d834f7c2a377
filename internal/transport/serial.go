package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const serialReadTimeout = 50 * time.Millisecond

// port is the subset of serial.Port the transport uses.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

func openSerialPort(name string, baud int) (port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// SerialConfig configures a Serial transport.
type SerialConfig struct {
	Port         string
	BaudRate     int
	MTU          int
	ChunkTimeout time.Duration
	Logger       *zerolog.Logger
}

// Serial talks SMP over the MCUboot/Zephyr serial console.
type Serial struct {
	lifecycle
	cfg  SerialConfig
	log  zerolog.Logger
	open func(name string, baud int) (port, error)

	mu     sync.Mutex
	port   port
	name   string
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}
	wmu    sync.Mutex
}

// NewSerial creates an unconnected serial transport.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.MTU == 0 {
		cfg.MTU = 512
	}
	l := log.Logger.With().Str("component", "serial").Logger()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Serial{
		lifecycle: newLifecycle(KindSerial, cfg.ChunkTimeout),
		cfg:       cfg,
		log:       l,
		open:      openSerialPort,
	}
}

func (s *Serial) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Serial) MTU() int { return s.cfg.MTU }

func (s *Serial) Frames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Connect opens the port and starts the read loop.
func (s *Serial) Connect(ctx context.Context, target string) error {
	if target == "" {
		target = s.cfg.Port
	}
	if target == "" {
		return &ConnectionError{Kind: KindSerial, Op: "connect", Err: errors.New("no serial port selected")}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Kind: KindSerial, Op: "connect", Err: err}
	}

	s.mu.Lock()
	if s.port != nil {
		s.mu.Unlock()
		return &ConnectionError{Kind: KindSerial, Op: "connect", Err: errors.New("already connected")}
	}
	s.mu.Unlock()

	s.setState(StateConnecting, nil)

	p, err := s.open(target, s.cfg.BaudRate)
	if err != nil {
		cerr := &ConnectionError{Kind: KindSerial, Op: "open " + target, Err: err}
		s.setState(StateDisconnected, cerr)
		return cerr
	}
	if err := p.SetReadTimeout(serialReadTimeout); err != nil {
		p.Close()
		cerr := &ConnectionError{Kind: KindSerial, Op: "configure " + target, Err: err}
		s.setState(StateDisconnected, cerr)
		return cerr
	}

	frames := make(chan []byte, 16)
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.port = p
	s.name = target
	s.frames = frames
	s.stop = stop
	s.done = done
	s.mu.Unlock()

	go s.readLoop(p, frames, stop, done)

	s.log.Info().Str("port", target).Int("baud", s.cfg.BaudRate).Msg("serial port opened")
	s.setState(StateConnected, nil)
	return nil
}

// readLoop polls the port with a short read timeout so it notices stop
// requests, and feeds the console decoder.
func (s *Serial) readLoop(p port, frames chan<- []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(frames)

	dec := ConsoleDecoder{
		Text: func(line string) { s.log.Debug().Str("line", line).Msg("console") },
	}
	buf := make([]byte, 1024)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := p.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("serial read failed")
			go s.drop(&ConnectionError{Kind: KindSerial, Op: "read", Err: err})
			return
		}
		if n == 0 {
			continue
		}

		packets, errs := dec.Feed(buf[:n])
		for _, e := range errs {
			s.log.Debug().Err(e).Msg("discarding console frame")
		}
		for _, pkt := range packets {
			select {
			case frames <- pkt:
			case <-stop:
				return
			}
		}
	}
}

func (s *Serial) Send(ctx context.Context, packet []byte) error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := p.Write(EncodeConsole(packet)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Disconnect stops the read loop and closes the port.
func (s *Serial) Disconnect() error {
	return s.shutdown(nil)
}

func (s *Serial) drop(err error) {
	s.shutdown(err)
}

func (s *Serial) shutdown(cause error) error {
	s.mu.Lock()
	p, stop, done := s.port, s.stop, s.done
	s.port = nil
	s.name = ""
	s.stop = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	close(stop)
	err := p.Close()
	<-done

	s.log.Info().Msg("serial port closed")
	s.setState(StateDisconnected, cause)
	if err != nil {
		return fmt.Errorf("close serial port: %w", err)
	}
	return nil
}
