package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// Action names. Implementations support different subsets; callers probe.
const (
	ActionSendPrivateMsg      = "send_private_msg"
	ActionSendGroupMsg        = "send_group_msg"
	ActionSendGuildChannelMsg = "send_guild_channel_msg"
	ActionDeleteMsg           = "delete_msg"
	ActionGetMsg              = "get_msg"
	ActionGetForwardMsg       = "get_forward_msg"
	ActionGetLoginInfo        = "get_login_info"
	ActionGetFriendList       = "get_friend_list"
	ActionGetGroupList        = "get_group_list"
	ActionGetGuildList        = "get_guild_list"
	ActionGetGroupMemberInfo  = "get_group_member_info"
	ActionCanSendRecord       = "can_send_record"
	ActionCanSendImage        = "can_send_image"
	ActionSetInputStatus      = "set_input_status"
	ActionGetImage            = "get_image"
	ActionGetRecord           = "get_record"
	ActionGetFile             = "get_file"
	ActionDownloadFile        = "download_file"
	ActionDownloadFileStream  = "download_file_stream"
	ActionUploadFileStream    = "upload_file_stream"
	ActionCleanStreamTempFile = "clean_stream_temp_file"
)

// idParam renders an id the way strict implementations expect: numeric ids
// as JSON numbers, everything else as strings.
func idParam(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// LoginInfo is the authenticated account identity.
type LoginInfo struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
}

// GetLoginInfo fetches the account identity. Doubles as the soft-heartbeat
// probe.
func (c *Client) GetLoginInfo(ctx context.Context) (*LoginInfo, error) {
	resp, err := c.SendAction(ctx, ActionGetLoginInfo, nil)
	if err != nil {
		return nil, err
	}
	var info LoginInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return nil, fmt.Errorf("onebot: decode login info: %w", err)
	}
	return &info, nil
}

// SendRouteMsg sends an array-format message to a canonical route and
// returns the new message id.
func (c *Client) SendRouteMsg(ctx context.Context, route string, segs []Segment) (string, error) {
	tgt, err := routing.ParseTarget(route)
	if err != nil {
		return "", err
	}
	var (
		action string
		params map[string]any
	)
	switch tgt.Kind {
	case routing.KindUser:
		action = ActionSendPrivateMsg
		params = map[string]any{"user_id": idParam(tgt.UserID), "message": segs}
	case routing.KindGroup:
		action = ActionSendGroupMsg
		params = map[string]any{"group_id": idParam(tgt.GroupID), "message": segs}
	case routing.KindGuild:
		action = ActionSendGuildChannelMsg
		params = map[string]any{"guild_id": tgt.GuildID, "channel_id": tgt.ChannelID, "message": segs}
	default:
		return "", fmt.Errorf("onebot: unsendable route %q", route)
	}

	resp, err := c.SendAction(ctx, action, params)
	if err != nil {
		return "", err
	}
	var data struct {
		MessageID ID `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("onebot: decode %s data: %w", action, err)
	}
	return data.MessageID.String(), nil
}

// DeleteMsg recalls a previously sent message.
func (c *Client) DeleteMsg(ctx context.Context, messageID string) error {
	_, err := c.SendAction(ctx, ActionDeleteMsg, map[string]any{"message_id": idParam(messageID)})
	return err
}

// GetMsg reloads a message by id. The returned event carries the original
// segment array, which is what fallback media resolution needs.
func (c *Client) GetMsg(ctx context.Context, messageID string) (*Event, error) {
	resp, err := c.SendAction(ctx, ActionGetMsg, map[string]any{"message_id": idParam(messageID)})
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(resp.Data, &ev); err != nil {
		return nil, fmt.Errorf("onebot: decode get_msg data: %w", err)
	}
	return &ev, nil
}

// GetForwardMsg expands a forward bundle into its nested messages.
func (c *Client) GetForwardMsg(ctx context.Context, forwardID string) ([]Event, error) {
	resp, err := c.SendAction(ctx, ActionGetForwardMsg, map[string]any{"id": forwardID})
	if err != nil {
		return nil, err
	}
	var data struct {
		Messages []struct {
			Sender  *Sender         `json:"sender"`
			Time    int64           `json:"time"`
			Message json.RawMessage `json:"message"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("onebot: decode get_forward_msg data: %w", err)
	}
	events := make([]Event, 0, len(data.Messages))
	for _, m := range data.Messages {
		body := m.Message
		if len(body) == 0 {
			body = m.Content
		}
		events = append(events, Event{
			Time:     m.Time,
			PostType: PostMessage,
			Message:  body,
			Sender:   m.Sender,
		})
	}
	return events, nil
}

// Friend is one get_friend_list entry.
type Friend struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark,omitempty"`
}

// GetFriendList lists the account's friends.
func (c *Client) GetFriendList(ctx context.Context) ([]Friend, error) {
	resp, err := c.SendAction(ctx, ActionGetFriendList, nil)
	if err != nil {
		return nil, err
	}
	var out []Friend
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("onebot: decode friend list: %w", err)
	}
	return out, nil
}

// Group is one get_group_list entry.
type Group struct {
	GroupID   ID     `json:"group_id"`
	GroupName string `json:"group_name"`
}

// GetGroupList lists the account's groups.
func (c *Client) GetGroupList(ctx context.Context) ([]Group, error) {
	resp, err := c.SendAction(ctx, ActionGetGroupList, nil)
	if err != nil {
		return nil, err
	}
	var out []Group
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("onebot: decode group list: %w", err)
	}
	return out, nil
}

// Guild is one get_guild_list entry.
type Guild struct {
	GuildID   ID     `json:"guild_id"`
	GuildName string `json:"guild_name"`
}

// GetGuildList lists joined guilds; implementations without guild support
// answer with a failed status, surfaced as an error.
func (c *Client) GetGuildList(ctx context.Context) ([]Guild, error) {
	resp, err := c.SendAction(ctx, ActionGetGuildList, nil)
	if err != nil {
		return nil, err
	}
	var out []Guild
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("onebot: decode guild list: %w", err)
	}
	return out, nil
}

// GroupMember is the get_group_member_info payload.
type GroupMember struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// DisplayName returns card over nickname over bare id.
func (m *GroupMember) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.UserID.String()
}

// GetGroupMemberInfo fetches one member's group profile.
func (c *Client) GetGroupMemberInfo(ctx context.Context, groupID, userID string, noCache bool) (*GroupMember, error) {
	resp, err := c.SendAction(ctx, ActionGetGroupMemberInfo, map[string]any{
		"group_id": idParam(groupID),
		"user_id":  idParam(userID),
		"no_cache": noCache,
	})
	if err != nil {
		return nil, err
	}
	var m GroupMember
	if err := json.Unmarshal(resp.Data, &m); err != nil {
		return nil, fmt.Errorf("onebot: decode member info: %w", err)
	}
	return &m, nil
}

// CanSendImage probes image-send capability.
func (c *Client) CanSendImage(ctx context.Context) (bool, error) {
	return c.canSend(ctx, ActionCanSendImage)
}

// CanSendRecord probes voice-send capability.
func (c *Client) CanSendRecord(ctx context.Context) (bool, error) {
	return c.canSend(ctx, ActionCanSendRecord)
}

func (c *Client) canSend(ctx context.Context, action string) (bool, error) {
	resp, err := c.SendAction(ctx, action, nil)
	if err != nil {
		return false, err
	}
	var data struct {
		Yes bool `json:"yes"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false, fmt.Errorf("onebot: decode %s data: %w", action, err)
	}
	return data.Yes, nil
}

// SetInputStatus flags the account as typing in a private chat. Best
// effort: not every implementation supports it.
func (c *Client) SetInputStatus(ctx context.Context, userID string, eventType int) error {
	_, err := c.SendAction(ctx, ActionSetInputStatus, map[string]any{
		"user_id":    idParam(userID),
		"event_type": eventType,
	})
	return err
}
