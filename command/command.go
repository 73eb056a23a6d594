// Package command implements the Command Plane: a local TCP
// line-protocol socket accepting operator commands and dispatching
// them to the Identity Table and the appropriate Session, grounded on
// the original device manager's process_command dispatch table.
package command

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/csoslab/slimhub/codec"
	"github.com/csoslab/slimhub/config"
	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/presence"
	"github.com/csoslab/slimhub/session"
	"github.com/csoslab/slimhub/transfer"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	charSoundModel    = "sound/model"
	applyInterSession = 100 * time.Millisecond // matches the original's inter-device apply delay
)

// Sessions is the live relay-address -> Session set, supplied by the
// discovery Supervisor.
type Sessions func() map[string]*session.Session

// Server owns the command socket's listener and dispatch table.
type Server struct {
	cfg         config.CommandConfig
	programData string
	trainCmd    string

	identity *identity.Table
	sessions Sessions
	presence *presence.Tracker
	shutdown func()
	log      *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a command Server. trainCmd is the executable invoked
// (with the target DEAN's MAC as its sole argument) by the `model
// train` command; shutdown is called once for the `quit` command.
func NewServer(cfg config.CommandConfig, programDataDir, trainCmd string, ident *identity.Table, sessions Sessions, pres *presence.Tracker, shutdown func(), log *logrus.Entry) *Server {
	return &Server{
		cfg:         cfg,
		programData: programDataDir,
		trainCmd:    trainCmd,
		identity:    ident,
		sessions:    sessions,
		presence:    pres,
		shutdown:    shutdown,
		log:         log,
	}
}

// ListenAndServe accepts connections until ctx is cancelled or Close is
// called, handling one command per connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the listener's bound address, useful when Addr was
// configured as "host:0" and the OS assigned the port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	if s.cfg.SecretBcrypt != "" {
		if !scanner.Scan() {
			return
		}
		attempt := strings.TrimSpace(scanner.Text())
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.SecretBcrypt), []byte(attempt)); err != nil {
			conn.Write([]byte("error: authentication failed\n"))
			return
		}
	}

	if !scanner.Scan() {
		return
	}
	args, err := parseArgs(scanner.Text())
	if err != nil {
		conn.Write([]byte(fmt.Sprintf("error: %v\n", err)))
		return
	}
	if len(args) == 0 {
		conn.Write([]byte("error: empty command\n"))
		return
	}

	reqID := uuid.New().String()[:8]
	log := s.log.WithFields(logrus.Fields{"request_id": reqID, "command": args[0]})
	log.Debug("command accepted")

	reply := s.dispatch(ctx, args[0], args[1:])
	log.WithField("reply", string(reply)).Debug("command handled")
	conn.Write(append(reply, '\n'))
}

// parseArgs decodes one line of the wire protocol: a Python
// str([...])-shaped list, e.g. ['config', 'AA:BB:CC:DD:EE:FF', 'name',
// 'Kitchen Sensor']. Quoting is tolerant of both ' and ".
func parseArgs(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "[")
	line = strings.TrimSuffix(line, "]")
	if line == "" {
		return nil, nil
	}
	parts := strings.Split(line, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "'\"")
		out = append(out, p)
	}
	return out, nil
}

func (s *Server) dispatch(ctx context.Context, cmd string, args []string) []byte {
	switch cmd {
	case "config":
		return s.handleConfig(ctx, args)
	case "reset":
		return s.handleReset(ctx, args)
	case "service":
		return s.handleService(ctx, args)
	case "list":
		return s.handleList()
	case "apply":
		return s.handleApply(ctx)
	case "model":
		return s.handleModel(ctx, args)
	case "feature":
		return s.handleFeature(ctx, args)
	case "file":
		return s.handleFile(ctx, args)
	case "quit":
		return s.handleQuit()
	default:
		return []byte(fmt.Sprintf("error: unrecognized command %q", cmd))
	}
}

// sessionForDean resolves a DEAN MAC to its currently connected
// Session, or an error diagnostic if unknown/disconnected.
func (s *Server) sessionForDean(mac string) (*session.Session, error) {
	entry := s.identity.Get(mac)
	if entry == nil {
		return nil, fmt.Errorf("%s is not registered", mac)
	}
	sess, ok := s.sessions()[entry.RelayAddress]
	if !ok || !sess.IsConnected() {
		return nil, fmt.Errorf("%s is not connected", mac)
	}
	return sess, nil
}

func (s *Server) handleConfig(ctx context.Context, args []string) []byte {
	if len(args) != 3 {
		return []byte("error: config requires dean_mac, field, value")
	}
	mac, field, value := args[0], args[1], args[2]
	if field != "name" && field != "location" {
		return []byte("error: field must be 'name' or 'location'")
	}
	normalized, err := identity.NormalizeMac(mac)
	if err != nil {
		return []byte(fmt.Sprintf("error: %v", err))
	}
	if _, err := s.identity.Ensure(normalized, "", "", ""); err != nil {
		return []byte(fmt.Sprintf("error: %v", err))
	}
	if err := s.identity.SetField(normalized, field, value); err != nil {
		return []byte(fmt.Sprintf("error: %v", err))
	}
	entry := s.identity.Get(normalized)
	if sess, err := s.sessionForDean(normalized); err == nil {
		if err := sess.SetConfig(ctx, entry.Name, entry.Location); err != nil {
			s.log.WithError(err).WithField("mac", normalized).Warn("push config failed")
		}
	}
	return []byte(fmt.Sprintf("address: %s, type: %s, name: %s, location: %s", entry.Mac, entry.DeviceType, entry.Name, entry.Location))
}

func (s *Server) handleReset(ctx context.Context, args []string) []byte {
	if len(args) != 1 {
		return []byte("error: reset requires dean_mac")
	}
	sess, err := s.sessionForDean(args[0])
	if err != nil {
		return []byte(err.Error())
	}
	if err := sess.Reset(ctx); err != nil {
		return []byte(fmt.Sprintf("%s: reset failed: %v", args[0], err))
	}
	return []byte(fmt.Sprintf("%s: reset", args[0]))
}

func (s *Server) handleService(ctx context.Context, args []string) []byte {
	if len(args) != 3 && len(args) != 4 {
		return []byte("error: service requires relay_mac, action, service_name[, char_name]")
	}
	relayMac, action, serviceName := args[0], args[1], args[2]
	charName := serviceName
	if len(args) == 4 {
		charName = serviceName + "/" + args[3]
	}
	sess, ok := s.sessions()[relayMac]
	if !ok || !sess.IsConnected() {
		return []byte(fmt.Sprintf("%s is not connected", relayMac))
	}

	switch action {
	case "enable", "activate":
		if err := sess.EnableCharacteristic(ctx, charName); err != nil {
			return []byte(fmt.Sprintf("%s: characteristic %s enable failed: %v", relayMac, charName, err))
		}
		return []byte(fmt.Sprintf("%s: characteristic %s enabled", relayMac, charName))
	case "disable", "deactivate":
		if err := sess.DisableCharacteristic(charName); err != nil {
			return []byte(fmt.Sprintf("%s: characteristic %s disable failed: %v", relayMac, charName, err))
		}
		return []byte(fmt.Sprintf("%s: characteristic %s disabled", relayMac, charName))
	default:
		return []byte("error: action must be 'enable', 'disable', 'activate', or 'deactivate'")
	}
}

func (s *Server) handleList() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s%-10s%-15s%-15s%-10s\n", "Address", "Type", "Name", "Location", "Connected")
	for _, e := range s.identity.IterEntries() {
		fmt.Fprintf(&b, "%-20s%-10s%-15s%-15s%-10v\n", e.Mac, e.DeviceType, e.Name, e.Location, e.Connected)
	}
	return []byte(b.String())
}

func (s *Server) handleApply(ctx context.Context) []byte {
	for _, sess := range s.sessions() {
		if !sess.IsConnected() {
			continue
		}
		if err := sess.SetConfig(ctx, sess.Name(), sess.Location()); err != nil {
			s.log.WithError(err).WithField("relay", sess.RelayAddress).Warn("apply config failed")
		}
		select {
		case <-ctx.Done():
			return []byte("error: apply cancelled")
		case <-time.After(applyInterSession):
		}
	}
	return []byte("Config data applied")
}

// StartModelUpdate begins pushing programData/models/<mac slug>.tflite
// to sess over the Model stream. It is the one path that starts a
// model update — used by both the `model update` command and the
// programdata/models/ watcher when the training pipeline drops a new
// artifact (SPEC_FULL.md §11).
func StartModelUpdate(ctx context.Context, sess *session.Session, mac, programData string) error {
	if state, _ := sess.Transfers().Status(mac, transfer.StreamModel); state == transfer.Starting || state == transfer.Sending || state == transfer.Finishing {
		return fmt.Errorf("model update already in progress for %s", mac)
	}
	modelPath := filepath.Join(programData, "models", identity.Slug(mac)+".tflite")
	return sess.Transfers().Start(ctx, sess, mac, transfer.StreamModel, transfer.NewFileSource(modelPath))
}

func (s *Server) handleModel(ctx context.Context, args []string) []byte {
	if len(args) != 2 {
		return []byte("error: model requires dean_mac, {update|train|remove}")
	}
	mac, action := args[0], args[1]
	sess, err := s.sessionForDean(mac)
	if err != nil {
		return []byte(err.Error())
	}

	switch action {
	case "update":
		if err := StartModelUpdate(ctx, sess, mac, s.programData); err != nil {
			return []byte(fmt.Sprintf("Model update failed: %v", err))
		}
		return []byte("Model update started")
	case "train":
		if s.trainCmd == "" {
			return []byte("error: no training command configured")
		}
		argv := append(strings.Fields(s.trainCmd), mac)
		if err := exec.Command(argv[0], argv[1:]...).Start(); err != nil {
			return []byte(fmt.Sprintf("Model training failed to start: %v", err))
		}
		return []byte("Model training started")
	case "remove":
		if err := sess.Write(ctx, charSoundModel, mac, codec.Control{Cmd: codec.CmdRemove}.Pack()); err != nil {
			return []byte(fmt.Sprintf("Model remove failed: %v", err))
		}
		return []byte("Model remove sent")
	default:
		return []byte("error: action must be 'update', 'train', or 'remove'")
	}
}

func (s *Server) handleFeature(ctx context.Context, args []string) []byte {
	if len(args) != 2 {
		return []byte("error: feature requires dean_mac, {start|stop}")
	}
	mac, action := args[0], args[1]
	sess, err := s.sessionForDean(mac)
	if err != nil {
		return []byte(err.Error())
	}

	var cmd byte
	var verb string
	switch action {
	case "start":
		cmd, verb = codec.CmdFeatureStart, "started"
	case "stop":
		cmd, verb = codec.CmdFeatureEnd, "ended"
	default:
		return []byte("error: action must be 'start' or 'stop'")
	}
	if err := sess.Write(ctx, charSoundModel, mac, codec.Control{Cmd: cmd}.Pack()); err != nil {
		return []byte(fmt.Sprintf("Feature collection %s failed: %v", action, err))
	}
	return []byte(fmt.Sprintf("Feature collection %s", verb))
}

func (s *Server) handleFile(ctx context.Context, args []string) []byte {
	if len(args) != 3 {
		return []byte("error: file requires dean_mac, source_path, target_path")
	}
	mac, sourcePath, targetPath := args[0], args[1], args[2]
	sess, err := s.sessionForDean(mac)
	if err != nil {
		return []byte(err.Error())
	}
	if err := sess.Transfers().Start(ctx, sess, mac, transfer.StreamFile, transfer.NewFileSourceWithTarget(sourcePath, targetPath)); err != nil {
		return []byte(fmt.Sprintf("File transfer failed: %v", err))
	}
	return []byte(fmt.Sprintf("File transfer started: %s -> %s", sourcePath, targetPath))
}

func (s *Server) handleQuit() []byte {
	if s.shutdown != nil {
		go s.shutdown()
	}
	return []byte("shutting down")
}
