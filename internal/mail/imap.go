package mail

import (
	"bytes"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"
)

// Config holds everything needed to reach one user's mail provider.
type Config struct {
	IMAPAddr string
	SMTPAddr string
	Username string
	// Password is used for PLAIN auth when AccessToken is empty.
	Password string
	// AccessToken enables OAUTHBEARER auth when set.
	AccessToken string
	// DraftsMailbox is where drafts live. Defaults to "Drafts".
	DraftsMailbox string
	// AllMailbox is searched for threads and sent copies. Defaults to "INBOX".
	AllMailbox string
}

func (c Config) draftsBox() string {
	if c.DraftsMailbox != "" {
		return c.DraftsMailbox
	}
	return "Drafts"
}

func (c Config) allBox() string {
	if c.AllMailbox != "" {
		return c.AllMailbox
	}
	return "INBOX"
}

func (c Config) saslClient(addr string) (sasl.Client, error) {
	if c.AccessToken == "" {
		return sasl.NewPlainClient("", c.Username, c.Password), nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, newError(KindUnknown, err, "invalid server address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, newError(KindUnknown, err, "invalid port in %q", addr)
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: c.Username,
		Token:    c.AccessToken,
		Host:     host,
		Port:     port,
	}), nil
}

// parseHexID decodes a provider message/thread id (hex encoded 64 bit) into
// an IMAP UID.
func parseHexID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 16, 64)
	if err != nil {
		return 0, newError(KindMailNotFound, err, "invalid message id %q", id)
	}
	return imap.UID(n), nil
}

// imapSession wraps one authenticated IMAP connection. It remembers the
// selected mailbox so repeated operations on the same box skip the SELECT
// round trip.
type imapSession struct {
	client   *imapclient.Client
	selected string
}

func dialIMAP(cfg Config) (*imapSession, error) {
	client, err := imapclient.DialTLS(cfg.IMAPAddr, nil)
	if err != nil {
		return nil, newError(KindUnknown, err, "connecting to imap %s", cfg.IMAPAddr)
	}

	if cfg.AccessToken != "" {
		saslClient, err := cfg.saslClient(cfg.IMAPAddr)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := client.Authenticate(saslClient); err != nil {
			_ = client.Close()
			return nil, newError(KindAuth, err, "imap oauth login failed for %s", cfg.Username)
		}
	} else {
		if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, newError(KindAuth, err, "imap login failed for %s", cfg.Username)
		}
	}
	return &imapSession{client: client}, nil
}

func (s *imapSession) quit() {
	if s.client == nil {
		return
	}
	// Logout failures are not actionable at this point.
	_ = s.client.Logout().Wait()
	s.client = nil
}

func (s *imapSession) selectBox(name string) error {
	if s.selected == name {
		return nil
	}
	if _, err := s.client.Select(name, nil).Wait(); err != nil {
		return newError(KindMailboxNotFound, err, "selecting mailbox %q", name)
	}
	s.selected = name
	return nil
}

// messageExists reports whether a message with the given UID is present in
// the currently selected mailbox.
func (s *imapSession) messageExists(uid imap.UID) (bool, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{imap.UIDSetNum(uid)},
	}, nil).Wait()
	if err != nil {
		return false, newError(KindUnknown, err, "searching uid %d", uid)
	}
	return len(data.AllUIDs()) > 0, nil
}

// draftBytes fetches the raw RFC 822 bytes of the draft with the given
// provider id.
func (s *imapSession) draftBytes(cfg Config, messageID string) ([]byte, error) {
	uid, err := parseHexID(messageID)
	if err != nil {
		return nil, err
	}
	if err := s.selectBox(cfg.draftsBox()); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := cmd.Collect()
	if err != nil {
		return nil, newError(KindUnknown, err, "fetching draft %s", messageID)
	}
	if len(msgs) == 0 {
		return nil, newError(KindMailNotFound, nil, "draft %s not found", messageID)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, newError(KindMailNotFound, nil, "draft %s has no body", messageID)
	}
	return raw, nil
}

// deleteMessage flags the message deleted and expunges the selected mailbox.
func (s *imapSession) deleteMessage(uid imap.UID) error {
	storeCmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return newError(KindUnknown, err, "flagging uid %d deleted", uid)
	}
	if err := s.client.Expunge().Close(); err != nil {
		return newError(KindUnknown, err, "expunging")
	}
	return nil
}

// searchHeader returns the UIDs of messages whose header contains the given
// value in any of the listed header fields.
func (s *imapSession) searchHeader(value string, keys ...string) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{}
	if len(keys) == 1 {
		criteria.Header = []imap.SearchCriteriaHeaderField{{Key: keys[0], Value: value}}
	} else {
		var or [2]imap.SearchCriteria
		for i := 0; i < 2 && i < len(keys); i++ {
			or[i] = imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: keys[i], Value: value}},
			}
		}
		criteria.Or = [][2]imap.SearchCriteria{or}
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, newError(KindUnknown, err, "header search")
	}
	return data.AllUIDs(), nil
}

// thread lists the messages belonging to the thread rooted at the given
// provider id, in mailbox order. Replies are found by matching the root's
// RFC message id against In-Reply-To and References headers; providers
// without server-side thread ids support exactly this.
func (s *imapSession) thread(cfg Config, threadID string) ([]ThreadMessage, error) {
	rootUID, err := parseHexID(threadID)
	if err != nil {
		return nil, err
	}
	if err := s.selectBox(cfg.allBox()); err != nil {
		return nil, err
	}

	uids := []imap.UID{rootUID}
	root, err := s.fetchThreadMessages(uids)
	if err != nil {
		return nil, err
	}
	if len(root) == 0 {
		// Thread root is gone; report an empty thread.
		return nil, nil
	}

	if rfcID := root[0].RfcMessageID; rfcID != "" {
		replies, err := s.searchHeader("<"+rfcID+">", "In-Reply-To", "References")
		if err != nil {
			return nil, err
		}
		seen := map[imap.UID]bool{rootUID: true}
		for _, uid := range replies {
			if !seen[uid] {
				seen[uid] = true
				uids = append(uids, uid)
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return s.fetchThreadMessages(uids)
}

func (s *imapSession) fetchThreadMessages(uids []imap.UID) ([]ThreadMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	section := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"In-Reply-To", "References"},
		Peek:         true,
	}
	cmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	bufs, err := cmd.Collect()
	if err != nil {
		return nil, newError(KindUnknown, err, "fetching thread messages")
	}

	byUID := make(map[imap.UID]ThreadMessage, len(bufs))
	for _, buf := range bufs {
		tm := ThreadMessage{
			MessageID: strconv.FormatUint(uint64(buf.UID), 16),
		}
		if env := buf.Envelope; env != nil {
			tm.RfcMessageID = NormalizeMsgID(env.MessageID)
			tm.Subject = env.Subject
			tm.Date = env.Date
			if len(env.From) > 0 {
				tm.From = Address{Name: env.From[0].Name, Email: env.From[0].Addr()}
			}
		}
		if raw := buf.FindBodySection(section); raw != nil {
			tm.InReplyTo, tm.References = parseReplyHeaders(raw)
		}
		byUID[buf.UID] = tm
	}

	out := make([]ThreadMessage, 0, len(uids))
	for _, uid := range uids {
		if tm, ok := byUID[uid]; ok {
			out = append(out, tm)
		}
	}
	return out, nil
}

func parseReplyHeaders(raw []byte) (inReplyTo string, references []string) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", nil
	}
	inReplyTo = NormalizeMsgID(ent.Header.Get("In-Reply-To"))
	for _, ref := range strings.Fields(ent.Header.Get("References")) {
		references = append(references, NormalizeMsgID(ref))
	}
	return inReplyTo, references
}
