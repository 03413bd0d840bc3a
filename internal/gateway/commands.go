package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/types"
)

// Send writes cmd if the connection is ready. While not ready the command is
// dropped and ErrNotOpen returned; callers re-issue intents after reconnect.
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.status.State == types.StateReady
	c.mu.Unlock()
	if conn == nil || !ready {
		metricSendsDropped.WithLabelValues(cmd.Type()).Inc()
		log.Debug().Str("module", "gateway").Str("type", cmd.Type()).Msg("send dropped, socket not open")
		return ErrNotOpen
	}
	return c.write(conn, cmd)
}

func (c *Client) write(conn Conn, cmd protocol.Command) error {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("type", cmd.Type()).Msg("write error")
		return fmt.Errorf("write %s: %w", cmd.Type(), err)
	}
	metricSent.WithLabelValues(cmd.Type()).Inc()
	return nil
}

func (c *Client) sendPing() error {
	return c.Send(protocol.Ping{})
}

func (c *Client) seat() (types.SessionIdentity, error) {
	id, ok := c.Identity()
	if !ok {
		return types.SessionIdentity{}, ErrNotOpen
	}
	return id, nil
}

func (c *Client) StartSpeaking(character string) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	return c.Send(protocol.StartSpeaking{SessionID: id.SessionID, UserID: id.UserID, Character: character})
}

func (c *Client) StopSpeaking(character string) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	return c.Send(protocol.StopSpeaking{SessionID: id.SessionID, UserID: id.UserID, Character: character})
}

// SendVoiceCommand sends a free-form command; payload may be nil.
func (c *Client) SendVoiceCommand(commandType string, payload any, character string) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("voice command payload: %w", err)
		}
		raw = b
	}
	return c.Send(protocol.VoiceCommand{SessionID: id.SessionID, UserID: id.UserID, Character: character, CommandType: commandType, Payload: raw})
}

func (c *Client) SetScenario(scenarioID string) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	return c.Send(protocol.SetScenario{SessionID: id.SessionID, UserID: id.UserID, ScenarioID: scenarioID})
}

func (c *Client) SendDoctorAudio(audioBase64, contentType, character string) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	return c.Send(protocol.DoctorAudio{SessionID: id.SessionID, UserID: id.UserID, Character: character, AudioBase64: audioBase64, ContentType: contentType})
}

func (c *Client) AnalyzeTranscript(turns []protocol.TurnPayload) error {
	id, err := c.seat()
	if err != nil {
		return err
	}
	if turns == nil {
		turns = []protocol.TurnPayload{}
	}
	return c.Send(protocol.AnalyzeTranscript{SessionID: id.SessionID, UserID: id.UserID, Turns: turns})
}
