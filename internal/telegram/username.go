package telegram

import "strings"

// UserName is how a user is shown to the model: the @username when
// set, otherwise first and last name. Nil users have no name.
func UserName(u *User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return fullName(u.FirstName, u.LastName)
}

// OriginName names the original sender of an externally replied-to
// message.
func OriginName(o MessageOrigin) string {
	switch o.Type {
	case OriginHiddenUser:
		return o.SenderUserName
	case OriginUser:
		if o.SenderUser == nil {
			return ""
		}
		return fullName(o.SenderUser.FirstName, o.SenderUser.LastName)
	case OriginChat:
		return chatName(o.SenderChat)
	case OriginChannel:
		return chatName(o.Chat)
	}
	return ""
}

func chatName(c *Chat) string {
	if c == nil {
		return ""
	}
	if c.Type == ChatPrivate {
		return fullName(c.FirstName, c.LastName)
	}
	return c.Title
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
