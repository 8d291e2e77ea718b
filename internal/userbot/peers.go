package userbot

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/tg"

	"relaybot/internal/domain"
)

// Conversation ids follow the Bot API convention so they are stable across
// sessions: users keep their id, basic groups are negated and channels are
// offset by -1e12.
const channelOffset = 1_000_000_000_000

func userConversation(id int64) int64    { return id }
func chatConversation(id int64) int64    { return -id }
func channelConversation(id int64) int64 { return -channelOffset - id }

// conversationOf maps a message peer to a conversation id.
func conversationOf(p tg.PeerClass) (int64, error) {
	switch p := p.(type) {
	case *tg.PeerUser:
		return userConversation(p.UserID), nil
	case *tg.PeerChat:
		return chatConversation(p.ChatID), nil
	case *tg.PeerChannel:
		return channelConversation(p.ChannelID), nil
	}
	return 0, fmt.Errorf("unknown peer %T", p)
}

// peerCache remembers access hashes and titles seen in updates and dialogs.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass // conversation id
	chats map[int64]domain.ChatInfo   // conversation id
	users map[int64]domain.Sender     // user id
}

func newPeerCache() *peerCache {
	return &peerCache{
		peers: make(map[int64]tg.InputPeerClass),
		chats: make(map[int64]domain.ChatInfo),
		users: make(map[int64]domain.Sender),
	}
}

func (c *peerCache) addUser(u *tg.User) {
	sender := domain.Sender{
		UserID:   u.ID,
		Username: u.Username,
		Name:     strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
	conv := userConversation(u.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = sender
	c.peers[conv] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
	c.chats[conv] = domain.ChatInfo{ID: conv, Title: sender.Name, Kind: domain.ChatPrivate}
}

func (c *peerCache) addChat(ch *tg.Chat) {
	conv := chatConversation(ch.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[conv] = &tg.InputPeerChat{ChatID: ch.ID}
	c.chats[conv] = domain.ChatInfo{ID: conv, Title: ch.Title, Kind: domain.ChatGroup}
}

func (c *peerCache) addChannel(ch *tg.Channel) {
	conv := channelConversation(ch.ID)
	kind := domain.ChatGroup
	if ch.Broadcast {
		kind = domain.ChatBroadcast
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[conv] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	c.chats[conv] = domain.ChatInfo{ID: conv, Title: ch.Title, Kind: kind}
}

func (c *peerCache) addEntities(e tg.Entities) {
	for _, u := range e.Users {
		c.addUser(u)
	}
	for _, ch := range e.Chats {
		c.addChat(ch)
	}
	for _, ch := range e.Channels {
		c.addChannel(ch)
	}
}

func (c *peerCache) addClasses(users []tg.UserClass, chats []tg.ChatClass) {
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			c.addUser(u)
		}
	}
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Chat:
			c.addChat(ch)
		case *tg.Channel:
			c.addChannel(ch)
		}
	}
}

func (c *peerCache) peer(conv int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[conv]
	return p, ok
}

func (c *peerCache) chat(conv int64) (domain.ChatInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.chats[conv]
	return info, ok
}

func (c *peerCache) user(id int64) (domain.Sender, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.users[id]
	return s, ok
}
