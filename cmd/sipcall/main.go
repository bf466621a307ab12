// Command sipcall is a test client for the B2BUA. It plays both ends of a
// call: it registers two extensions, places a call from one to the other,
// answers it, streams a PCMU tone through the RTP relay in both directions
// for the configured duration and hangs up.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/sebas/minipbx/internal/logger"
	"github.com/sebas/minipbx/internal/sipmsg"
)

func main() {
	var (
		server   = flag.String("server", "127.0.0.1:5060", "SIP server address")
		from     = flag.String("from", "100", "calling extension")
		to       = flag.String("to", "101", "called extension")
		duration = flag.Duration("duration", 5*time.Second, "media duration")
		loglevel = flag.String("loglevel", "info", "log level")
	)
	flag.Parse()

	logger.Init(os.Stdout)
	logger.SetLevel(*loglevel)

	serverAddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		fatal("invalid server address", err)
	}

	caller, err := newAgent(*from, serverAddr)
	if err != nil {
		fatal("caller setup failed", err)
	}
	defer caller.close()

	callee, err := newAgent(*to, serverAddr)
	if err != nil {
		fatal("callee setup failed", err)
	}
	defer callee.close()

	if err := caller.register(); err != nil {
		fatal("caller registration failed", err)
	}
	if err := callee.register(); err != nil {
		fatal("callee registration failed", err)
	}

	if err := runCall(caller, callee, *duration); err != nil {
		fatal("call failed", err)
	}
	slog.Info("Call completed", "from", *from, "to", *to)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// agent is one simulated user agent: a SIP socket, an RTP socket and the
// extension it acts as.
type agent struct {
	number  string
	server  *net.UDPAddr
	sipConn *net.UDPConn
	rtpConn *net.UDPConn
	localIP string
	tag     string
}

func newAgent(number string, server *net.UDPAddr) (*agent, error) {
	sipConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		sipConn.Close()
		return nil, err
	}

	localIP := "127.0.0.1"
	if probe, err := net.DialUDP("udp", nil, server); err == nil {
		localIP = probe.LocalAddr().(*net.UDPAddr).IP.String()
		probe.Close()
	}

	return &agent{
		number:  number,
		server:  server,
		sipConn: sipConn,
		rtpConn: rtpConn,
		localIP: localIP,
		tag:     uuid.NewString()[:8],
	}, nil
}

func (a *agent) close() {
	a.sipConn.Close()
	a.rtpConn.Close()
}

func (a *agent) sipPort() int { return a.sipConn.LocalAddr().(*net.UDPAddr).Port }
func (a *agent) rtpPort() int { return a.rtpConn.LocalAddr().(*net.UDPAddr).Port }

func (a *agent) contact() string {
	return fmt.Sprintf("<sip:%s@%s:%d>", a.number, a.localIP, a.sipPort())
}

func (a *agent) sendSIP(msg *sipmsg.Message) error {
	_, err := a.sipConn.WriteToUDP(msg.Serialize(), a.server)
	return err
}

// recvSIP reads SIP messages until match returns true or the deadline hits.
func (a *agent) recvSIP(timeout time.Duration, match func(*sipmsg.Message) bool) (*sipmsg.Message, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 65535)
	for {
		if err := a.sipConn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, _, err := a.sipConn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		msg, err := sipmsg.Parse(buf[:n])
		if err != nil {
			slog.Debug("Ignoring unparseable datagram", "error", err)
			continue
		}
		if match(msg) {
			return msg, nil
		}
	}
}

func (a *agent) register() error {
	msg := &sipmsg.Message{
		Method:     sipmsg.MethodRegister,
		RequestURI: fmt.Sprintf("sip:%s@%s", a.number, a.server.IP.String()),
	}
	msg.Add(sipmsg.HeaderVia, fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK-%s", a.localIP, a.sipPort(), uuid.NewString()))
	msg.Add(sipmsg.HeaderFrom, fmt.Sprintf("<sip:%s@%s>;tag=%s", a.number, a.server.IP.String(), a.tag))
	msg.Add(sipmsg.HeaderTo, fmt.Sprintf("<sip:%s@%s>", a.number, a.server.IP.String()))
	msg.Add(sipmsg.HeaderCallID, "reg-"+uuid.NewString())
	msg.Add(sipmsg.HeaderCSeq, "1 REGISTER")
	msg.Add(sipmsg.HeaderContact, a.contact())
	msg.Add(sipmsg.HeaderExpires, "3600")

	if err := a.sendSIP(msg); err != nil {
		return err
	}
	resp, err := a.recvSIP(3*time.Second, func(m *sipmsg.Message) bool { return m.IsResponse() })
	if err != nil {
		return fmt.Errorf("no response to REGISTER: %w", err)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("REGISTER rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	slog.Info("Registered", "extension", a.number, "port", a.sipPort())
	return nil
}

func (a *agent) sdpBody() string {
	return strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=%s %d %d IN IP4 %s", a.number, time.Now().Unix(), time.Now().Unix(), a.localIP),
		"s=sipcall",
		"c=IN IP4 " + a.localIP,
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0", a.rtpPort()),
		"a=rtpmap:0 PCMU/8000",
	}, "\r\n") + "\r\n"
}

// runCall drives the full INVITE / 200 / ACK / media / BYE sequence with
// caller and callee living in this process.
func runCall(caller, callee *agent, duration time.Duration) error {
	callID := "call-" + uuid.NewString()
	serverHost := caller.server.IP.String()

	invite := &sipmsg.Message{
		Method:     sipmsg.MethodInvite,
		RequestURI: fmt.Sprintf("sip:%s@%s", callee.number, serverHost),
		Body:       caller.sdpBody(),
	}
	invite.Add(sipmsg.HeaderVia, fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK-%s", caller.localIP, caller.sipPort(), uuid.NewString()))
	invite.Add(sipmsg.HeaderFrom, fmt.Sprintf("<sip:%s@%s>;tag=%s", caller.number, serverHost, caller.tag))
	invite.Add(sipmsg.HeaderTo, fmt.Sprintf("<sip:%s@%s>", callee.number, serverHost))
	invite.Add(sipmsg.HeaderCallID, callID)
	invite.Add(sipmsg.HeaderCSeq, "1 INVITE")
	invite.Add(sipmsg.HeaderContact, caller.contact())
	invite.Add(sipmsg.HeaderContentType, "application/sdp")

	if err := caller.sendSIP(invite); err != nil {
		return err
	}

	// Callee leg: answer the forwarded INVITE.
	fwdInvite, err := callee.recvSIP(5*time.Second, func(m *sipmsg.Message) bool {
		return m.IsRequest() && m.Method == sipmsg.MethodInvite
	})
	if err != nil {
		return fmt.Errorf("callee saw no INVITE: %w", err)
	}
	relayAddr, relayPort, err := mediaTarget(fwdInvite.Body)
	if err != nil {
		return err
	}
	slog.Info("Callee ringing", "relay", fmt.Sprintf("%s:%d", relayAddr, relayPort))

	answer := &sipmsg.Message{StatusCode: 200, Reason: "OK", Body: callee.sdpBody()}
	for _, name := range []string{sipmsg.HeaderVia, sipmsg.HeaderFrom, sipmsg.HeaderCallID, sipmsg.HeaderCSeq} {
		answer.Add(name, fwdInvite.Get(name))
	}
	answer.Add(sipmsg.HeaderTo, fwdInvite.Get(sipmsg.HeaderTo)+";tag="+callee.tag)
	answer.Add(sipmsg.HeaderContact, callee.contact())
	answer.Add(sipmsg.HeaderContentType, "application/sdp")
	if err := callee.sendSIP(answer); err != nil {
		return err
	}

	// Caller leg: wait for the relayed 200 OK, then ACK.
	ok200, err := caller.recvSIP(5*time.Second, func(m *sipmsg.Message) bool {
		return m.IsResponse() && m.StatusCode == 200
	})
	if err != nil {
		return fmt.Errorf("caller saw no 200 OK: %w", err)
	}
	callerRelayAddr, callerRelayPort, err := mediaTarget(ok200.Body)
	if err != nil {
		return err
	}

	ack := &sipmsg.Message{
		Method:     sipmsg.MethodAck,
		RequestURI: sipURIFromContact(ok200.Get(sipmsg.HeaderContact)),
	}
	ack.Add(sipmsg.HeaderVia, fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK-%s", caller.localIP, caller.sipPort(), uuid.NewString()))
	for _, name := range []string{sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID} {
		ack.Add(name, ok200.Get(name))
	}
	ack.Add(sipmsg.HeaderCSeq, "1 ACK")
	if err := caller.sendSIP(ack); err != nil {
		return err
	}

	slog.Info("Call established, streaming tone", "duration", duration.String())
	done := make(chan struct{})
	go streamTone(caller.rtpConn, callerRelayAddr, callerRelayPort, 440, duration, done)
	go streamTone(callee.rtpConn, relayAddr, relayPort, 620, duration, done)
	<-done
	<-done

	// Hang up from the caller side.
	bye := &sipmsg.Message{
		Method:     sipmsg.MethodBye,
		RequestURI: sipURIFromContact(ok200.Get(sipmsg.HeaderContact)),
	}
	bye.Add(sipmsg.HeaderVia, fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK-%s", caller.localIP, caller.sipPort(), uuid.NewString()))
	for _, name := range []string{sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID} {
		bye.Add(name, ok200.Get(name))
	}
	bye.Add(sipmsg.HeaderCSeq, "2 BYE")
	if err := caller.sendSIP(bye); err != nil {
		return err
	}

	fwdBye, err := callee.recvSIP(5*time.Second, func(m *sipmsg.Message) bool {
		return m.IsRequest() && m.Method == sipmsg.MethodBye
	})
	if err != nil {
		return fmt.Errorf("callee saw no BYE: %w", err)
	}
	byeOK := &sipmsg.Message{StatusCode: 200, Reason: "OK"}
	for _, name := range []string{sipmsg.HeaderVia, sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID, sipmsg.HeaderCSeq} {
		byeOK.Add(name, fwdBye.Get(name))
	}
	return callee.sendSIP(byeOK)
}

// mediaTarget extracts the relay's media endpoint from a rewritten SDP body.
func mediaTarget(body string) (string, int, error) {
	addr, port := "", 0
	for _, line := range strings.Split(body, "\r\n") {
		if strings.HasPrefix(line, "c=IN IP4 ") {
			addr = strings.TrimPrefix(line, "c=IN IP4 ")
		}
		if strings.HasPrefix(line, "m=audio ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				port, _ = strconv.Atoi(fields[1])
			}
		}
	}
	if addr == "" || port == 0 {
		return "", 0, fmt.Errorf("no media target in SDP: %q", body)
	}
	return addr, port, nil
}

// sipURIFromContact strips the angle brackets of a Contact header value.
func sipURIFromContact(contact string) string {
	uri := strings.TrimSpace(contact)
	uri = strings.TrimPrefix(uri, "<")
	return strings.TrimSuffix(uri, ">")
}

// streamTone sends a PCMU-encoded sine tone in 20ms RTP packets.
func streamTone(conn *net.UDPConn, addr string, port int, freq float64, duration time.Duration, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	const sampleRate = 8000
	const samplesPerPacket = 160 // 20ms at 8kHz

	ssrc := uuid.New().ID()
	seq := uint16(1)
	ts := uint32(0)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	end := time.Now().Add(duration)

	phase := 0.0
	step := 2 * math.Pi * freq / sampleRate
	for now := range ticker.C {
		if now.After(end) {
			return
		}

		// 16-bit LE PCM sine, then PCMU.
		lpcm := make([]byte, samplesPerPacket*2)
		for i := 0; i < samplesPerPacket; i++ {
			sample := int16(math.Sin(phase) * 8000)
			binary.LittleEndian.PutUint16(lpcm[i*2:], uint16(sample))
			phase += step
		}
		payload := g711.EncodeUlaw(lpcm)

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0, // PCMU
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			slog.Warn("RTP marshal failed", "error", err)
			return
		}
		if _, err := conn.WriteToUDP(raw, dst); err != nil {
			slog.Warn("RTP send failed", "error", err)
			return
		}
		seq++
		ts += samplesPerPacket
	}
}
