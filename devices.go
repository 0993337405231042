package chat

import "context"

// ============================================================================
// Devices
// ============================================================================

// Devices lists the push devices of the current user.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	resp, err := Do[DevicesResponse](ctx, c, devicesEndpoint())
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// AddDevice registers a push device id for the current user.
func (c *Client) AddDevice(ctx context.Context, deviceID string) error {
	user := c.User()
	if user == nil {
		return ErrEmptyUser
	}
	_, err := Do[EmptyResponse](ctx, c, addDeviceEndpoint(user.ID, deviceID))
	return err
}

// AddDeviceToken registers a binary push token; its hex form is the
// device id.
func (c *Client) AddDeviceToken(ctx context.Context, token []byte) error {
	return c.AddDevice(ctx, deviceTokenID(token))
}

// RemoveDevice unregisters a push device.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	_, err := Do[EmptyResponse](ctx, c, removeDeviceEndpoint(deviceID))
	return err
}

// ============================================================================
// Moderation
// ============================================================================

// FlagMessage reports a message to moderators. Flagged ids are remembered
// for the session and cleared on reset.
func (c *Client) FlagMessage(ctx context.Context, messageID string) error {
	if _, err := Do[EmptyResponse](ctx, c, flagMessageEndpoint(messageID, true)); err != nil {
		return err
	}
	c.flaggedMessages.Add(messageID, struct{}{})
	return nil
}

func (c *Client) UnflagMessage(ctx context.Context, messageID string) error {
	if _, err := Do[EmptyResponse](ctx, c, flagMessageEndpoint(messageID, false)); err != nil {
		return err
	}
	c.flaggedMessages.Remove(messageID)
	return nil
}

// FlagUser reports a user to moderators.
func (c *Client) FlagUser(ctx context.Context, userID string) error {
	if _, err := Do[EmptyResponse](ctx, c, flagUserEndpoint(userID, true)); err != nil {
		return err
	}
	c.flaggedUsers.Add(userID, struct{}{})
	return nil
}

func (c *Client) UnflagUser(ctx context.Context, userID string) error {
	if _, err := Do[EmptyResponse](ctx, c, flagUserEndpoint(userID, false)); err != nil {
		return err
	}
	c.flaggedUsers.Remove(userID)
	return nil
}
