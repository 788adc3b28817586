package pbx

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// responseError turns a non-Success response into an error.
func responseError(action string, response Event) error {
	if response["Response"] == "Success" {
		return nil
	}
	msg := response["Message"]
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Errorf("%s: %s", action, msg)
}

// SendCLI runs a console command and returns its output.
func (c *Client) SendCLI(command string) (string, error) {
	response, err := c.SendAction("Command", map[string]string{"Command": command}, 0)
	if err != nil {
		return "", err
	}
	if err := responseError("Command", response); err != nil {
		return "", err
	}
	return response["Output"], nil
}

// DBPut writes one key into the PBX internal key-value store. Strict: any
// failure, including timeout, is surfaced to the caller.
func (c *Client) DBPut(family, key, value string) error {
	response, err := c.SendAction("DBPut", map[string]string{
		"Family": family,
		"Key":    key,
		"Val":    value,
	}, 0)
	if err != nil {
		return err
	}
	return responseError("DBPut", response)
}

// DBDelTree removes a whole key family. Tolerant: the PBX answers with an
// error when the family does not exist, and the response sometimes arrives
// past the watchdog, so a timeout counts as success with a warning.
func (c *Client) DBDelTree(family string) error {
	response, err := c.SendAction("DBDelTree", map[string]string{"Family": family}, 0)
	if errors.Is(err, ErrTimeout) {
		c.logger.Warn("db_del_tree timed out, treating as success", "family", family)
		return nil
	}
	if err != nil {
		return err
	}
	if response["Response"] != "Success" {
		c.logger.Debug("db_del_tree rejected, family may not exist",
			"family", family, "message", response["Message"])
	}
	return nil
}

// Reload reloads a PBX module. Tolerant like DBDelTree, with a longer
// watchdog because pjsip reloads can take several seconds.
func (c *Client) Reload(module string) error {
	response, err := c.SendAction("Reload", map[string]string{"Module": module},
		c.cfg.ReloadTimeout)
	if errors.Is(err, ErrTimeout) {
		c.logger.Warn("reload timed out, treating as success", "module", module)
		return nil
	}
	if err != nil {
		return err
	}
	return responseError("Reload", response)
}

// OriginateParams describes an outbound call request.
type OriginateParams struct {
	Channel  string
	Exten    string
	Context  string
	CallerID string
	Timeout  time.Duration
	Variable string
}

// Originate submits an Originate action and returns the acknowledgement.
func (c *Client) Originate(params OriginateParams) (Event, error) {
	fields := map[string]string{
		"Channel":  params.Channel,
		"Exten":    params.Exten,
		"Context":  params.Context,
		"Priority": "1",
		"Async":    "true",
	}
	if params.CallerID != "" {
		fields["CallerID"] = params.CallerID
	}
	if params.Timeout > 0 {
		fields["Timeout"] = strconv.FormatInt(params.Timeout.Milliseconds(), 10)
	}
	if params.Variable != "" {
		fields["Variable"] = params.Variable
	}

	response, err := c.SendAction("Originate", fields, 0)
	if err != nil {
		return nil, err
	}
	if err := responseError("Originate", response); err != nil {
		return nil, err
	}
	return response, nil
}

// Redirect moves a channel into a new dialplan position.
func (c *Client) Redirect(channel, exten, context string) error {
	response, err := c.SendAction("Redirect", map[string]string{
		"Channel":  channel,
		"Exten":    exten,
		"Context":  context,
		"Priority": "1",
	}, 0)
	if err != nil {
		return err
	}
	return responseError("Redirect", response)
}

// Hangup terminates a channel with the given cause code.
func (c *Client) Hangup(channel string, cause int) error {
	response, err := c.SendAction("Hangup", map[string]string{
		"Channel": channel,
		"Cause":   strconv.Itoa(cause),
	}, 0)
	if err != nil {
		return err
	}
	return responseError("Hangup", response)
}
