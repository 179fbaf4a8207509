package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"

	"github.com/Comcast/gots/v2/packet"

	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

// packets buffered between a tuner and a tool
const toolQueueSize = 4096

// object to execute an external command tool fed with the transport stream
// of some PIDs, either through stdin or an UDP socket
type CommandLineTool struct {
	// internal parameters for the tool
	config config.HelperTool

	// command to call the tool
	tool       exec.Cmd
	pipestdin  io.WriteCloser
	pipestdout io.ReadCloser
	pipestderr io.ReadCloser
	// current connection to send UDP packets if required
	currentinconnection *net.UDPConn
	// current connection to send UDP command if required
	currentcommandconnection *net.UDPConn

	// PID consumer registered on the tuner
	input *tsPipe
	// tuner feeding the tool, nil when not attached
	source *ManagedTuner
	// input loop finished
	done chan struct{}
}

// ======================== Various handler to process data output
// read std output from tool and print to the log (can be used for std err or std out)
func (t *CommandLineTool) handleStdReader(reader io.ReadCloser) {
	bufreader := bufio.NewReader(reader)

	for {
		str, err := bufreader.ReadString('\n')
		if err != nil {
			break
		}
		if !t.config.MuteStdOut {
			log.WithField("tool", t.config.Command).Print(str)
		}
	}
}

// create a new command line tool object with given configuration
func CreateCommandLineTool(config config.HelperTool) *CommandLineTool {
	t := new(CommandLineTool)
	t.config = config
	t.input = newTsPipe(toolQueueSize)

	// create working directory if it does not exists
	if t.config.WorkDir != "" {
		if err := os.MkdirAll(t.config.WorkDir, 0770); err != nil {
			log.Warnf("cannot create working directory %s for tool %s: %v", t.config.WorkDir, t.config.Command, err)
		}
	}

	return t
}

// ProcessData queues one packet for the tool, called on the tuner goroutine
func (t *CommandLineTool) ProcessData(pkt []byte) {
	t.input.ProcessData(pkt)
}

// link input to an existing channel, will stop processing when channel is closed
func (t *CommandLineTool) SetInputPipe(c MpegTSChannel) {
	t.done = make(chan struct{})

	// launch async processing of packets from channel
	go func() {
		defer close(t.done)
		for pkt := range c {
			t.ProcessPacket(pkt)
		}
	}()
}

// expand the argument template and split it, quoted strings stay one argument
func (t *CommandLineTool) arguments(params map[string]string) []string {
	args := os.Expand(t.config.Args, func(s string) string {
		switch s {
		case "_portin_":
			return fmt.Sprintf("%d", t.config.PortIn+t.config.PortOffset)
		case "_portcommand_":
			return fmt.Sprintf("%d", t.config.PortCommand+t.config.PortOffset)
		case "_workdir_":
			return t.config.WorkDir
		default:
			return params[s]
		}
	})

	// regexep to parse argument string (to isolate quoted string)
	r := regexp.MustCompile("'.+'|\".+\"|\\S+")
	return r.FindAllString(args, -1)
}

// run the tool with given parameters (as a string map)
func (t *CommandLineTool) Start(params map[string]string) error {
	var err error

	args := t.arguments(params)
	log.Printf("running command %s with args %q", t.config.Command, args)

	t.tool = *exec.Command(t.config.Command, args...)

	// get stdin to flow data
	t.pipestdin, err = t.tool.StdinPipe()
	if err != nil {
		return err
	}

	t.pipestdout, err = t.tool.StdoutPipe()
	if err != nil {
		return err
	}
	go t.handleStdReader(t.pipestdout)

	// get error output
	t.pipestderr, err = t.tool.StderrPipe()
	if err != nil {
		return err
	}
	go t.handleStdReader(t.pipestderr)

	// if input is configured to use socket create a socket to push data
	if t.config.PortIn != 0 {
		var target net.UDPAddr

		target.Port = int(t.config.PortIn + t.config.PortOffset)
		t.currentinconnection, err = net.DialUDP("udp", nil, &target)
		if err != nil {
			log.Warnf("cannot open port %d for streaming to tool: %v", target.Port, err)
		} else if err = t.currentinconnection.SetWriteBuffer(1024 * 1024); err != nil {
			log.Debugf("UDP write buffer: %v", err)
		}
	}

	// port to send command to the tool
	if t.config.PortCommand != 0 {
		var target net.UDPAddr

		target.Port = int(t.config.PortCommand + t.config.PortOffset)
		t.currentcommandconnection, err = net.DialUDP("udp", nil, &target)
		if err != nil {
			log.Warnf("cannot open port %d for command to tool: %v", target.Port, err)
		}
	}

	// set directory if present
	if t.config.WorkDir != "" {
		t.tool.Dir = t.config.WorkDir
	}

	if err := t.tool.Start(); err != nil {
		return err
	}

	t.SetInputPipe(t.input.out)
	return nil
}

// process one packet of data at the input
func (t *CommandLineTool) ProcessPacket(p packet.Packet) {
	if t.currentinconnection != nil {
		t.currentinconnection.Write(p[:])
	} else if t.pipestdin != nil {
		t.pipestdin.Write(p[:])
	}
}

// Attach tunes the configured tuner and subscribes the tool to its PIDs
func (t *CommandLineTool) Attach(tm *TunerManager) error {
	source := tm.Tuner(t.config.Tuner)
	if source == nil {
		return fmt.Errorf("tool %s: unknown tuner %q", t.config.Command, t.config.Tuner)
	}
	if err := tm.Acquire(source); err != nil {
		return err
	}

	if t.config.Transponder != "" {
		tp, err := transponder.Parse(t.config.Transponder)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.config.Command, err)
		}
		ok, err := source.Tune(tp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("tool %s: tuner %s cannot tune %s", t.config.Command, source.Name(), tp)
		}
	}

	t.source = source
	for _, pid := range t.config.Pids {
		if err := source.AddPidFilter(pid, t); err != nil {
			return fmt.Errorf("tool %s: %w", t.config.Command, err)
		}
	}
	return nil
}

// unsubscribe from the tuner, no packet is queued afterwards
func (t *CommandLineTool) detach() {
	if t.source == nil {
		return
	}
	for _, pid := range t.config.Pids {
		if err := t.source.RemovePidFilter(pid, t); err != nil {
			log.Debugf("tool %s: %v", t.config.Command, err)
		}
	}
	t.source = nil
}

// stop the tool
func (t *CommandLineTool) Stop() {
	log.Printf("stopping command %s", t.config.Command)

	t.detach()
	if t.done != nil {
		close(t.input.out)
		<-t.done
		t.done = nil
	}
	if t.input.dropped > 0 {
		log.Warnf("tool %s dropped %d packets", t.config.Command, t.input.dropped)
	}

	// if an exit command is defined, send it
	if t.pipestdin != nil && t.config.ExitCommand != "" {
		if t.currentcommandconnection != nil {
			log.Printf("send exit command to %s on port %d", t.config.Command, t.config.PortCommand+t.config.PortOffset)
			t.currentcommandconnection.Write([]byte(t.config.ExitCommand))
		} else {
			log.Printf("send exit command to %s on stdin", t.config.Command)
			t.pipestdin.Write([]byte(t.config.ExitCommand))
		}

		// send a few dummy packets on the TS interface to force processing of exit commmand (required by some tools)
		if t.config.DummyDataOnExit {
			dummypacket := packet.Packet{0x47, 0x1F, 0xFF, 0x10}
			for i := 0; i < 128; i++ {
				t.ProcessPacket(dummypacket)
			}
		}
	}

	// check if a process has been launched
	if t.tool.Process != nil {
		// if no exit command is defined, just kill the process
		if t.config.ExitCommand == "" {
			t.tool.Process.Kill()
		}
		t.tool.Wait()
	}

	// close all pipes
	if t.pipestdin != nil {
		t.pipestdin.Close()
	}

	// close existing connections
	if t.currentinconnection != nil {
		t.currentinconnection.Close()
	}
	if t.currentcommandconnection != nil {
		t.currentcommandconnection.Close()
	}

	log.Printf("command %s stopped", t.config.Command)
}
