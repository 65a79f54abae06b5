// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mailbot

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

// actionMap maps directive aliases onto tracker states.
var actionMap = map[string]string{
	"accepted": "accepted",
	"accept":   "accepted",

	"au":                "awaiting-upstream",
	"awaiting-upstream": "awaiting-upstream",

	"rejected": "rejected",
	"reject":   "rejected",

	"changes-requested": "changes-requested",
	"cr":                "changes-requested",

	"deferred": "deferred",
	"defer":    "deferred",

	"not-applicable": "not-applicable",
	"nap":            "not-applicable",

	"needs-ack": "needs-ack",
	"needs ack": "needs-ack",
	"need-ack":  "needs-ack",
	"nac":       "needs-ack",

	"under-review": "under-review",
	"under review": "under-review",
	"ur":           "under-review",

	"new": "new",
}

// stateActive says whether a tracker state still expects action.
// Unauthorized senders may only move a series from an active state to
// an inactive one, never the other way.
var stateActive = map[string]bool{
	"accepted":          false,
	"awaiting-upstream": false,
	"rejected":          false,
	"changes-requested": false,
	"deferred":          false,
	"not-applicable":    false,

	"needs-ack":    true,
	"under-review": true,
	"new":          true,
}

type RepoConfig struct {
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
}

type Config struct {
	// Authorized senders may request any state (full From header
	// match, like the list archive records it).
	Authorized []string `yaml:"authorized"`
	// ErrorBots' mails mean the series failed some external check,
	// any mail from them maps to changes-requested.
	ErrorBots []string `yaml:"error_bots"`
	// AwaitingUpstream designations: a fresh series whose subject
	// tags contain one of these is parked as awaiting-upstream.
	AwaitingUpstream []string     `yaml:"awaiting_upstream"`
	ChangeLog        string       `yaml:"change_log"`
	Repos            []RepoConfig `yaml:"repos"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mailRepo is one archive repo the bot follows, a commit per mail.
type mailRepo struct {
	cfg  RepoConfig
	tree *vcs.Tree
}

// delayedAction is a mail whose series was not actionable yet.
type delayedAction struct {
	when time.Time
	msg  *Message
}

type Bot struct {
	cfg        *Config
	pw         *patchwork.Client
	life       *lifetime.Lifetime
	repos      []*mailRepo
	authorized map[string]bool
	errorBots  map[string]bool
	delayed    []*delayedAction

	now func() time.Time
	// dkimLookup overrides the TXT resolver used for signature
	// verification, nil means the system resolver.
	dkimLookup func(domain string) ([]string, error)
}

func New(cfg *Config, pw *patchwork.Client, life *lifetime.Lifetime) (*Bot, error) {
	bot := &Bot{
		cfg:        cfg,
		pw:         pw,
		life:       life,
		authorized: make(map[string]bool),
		errorBots:  make(map[string]bool),
		now:        time.Now,
	}
	for _, user := range cfg.Authorized {
		bot.authorized[user] = true
	}
	for _, user := range cfg.ErrorBots {
		bot.errorBots[user] = true
	}
	for _, rc := range cfg.Repos {
		branch := rc.Branch
		if branch == "" {
			branch = "master"
		}
		tree, err := vcs.NewTree(rc.Name, rc.Dir, rc.Remote, rc.Remote+"/"+branch)
		if err != nil {
			return nil, err
		}
		rc.Branch = branch
		bot.repos = append(bot.repos, &mailRepo{cfg: rc, tree: tree})
	}
	return bot, nil
}

func (bot *Bot) userBot(msg *Message) bool {
	return bot.errorBots[msg.From]
}

// autoAwaitingUpstream matches fresh series (no References) whose
// subject designation says they belong to another tree's queue.
func (bot *Bot) autoAwaitingUpstream(msg *Message) bool {
	if len(msg.References) != 0 {
		return false
	}
	tags := msg.SubjectTags()
	if tags == "" {
		return false
	}
	for _, designation := range bot.cfg.AwaitingUpstream {
		if strings.Contains(tags, designation) {
			return true
		}
	}
	return false
}

func (bot *Bot) autoActions(msg *Message) bool {
	return bot.userBot(msg) || bot.autoAwaitingUpstream(msg)
}

// threadSeries resolves the series a mail belongs to, walking the
// References chain through the tracker. The first hit wins. Also
// returns the series submitter for reply-to-self detection.
func (bot *Bot) threadSeries(msg *Message) (int, string) {
	kind := "patches"
	if strings.Contains(msg.Subject, " 0/") || strings.Contains(msg.Subject, " 00/") {
		kind = "covers"
	}
	mids := append(append([]string{}, msg.References...), msg.MessageID)
	for _, mid := range mids {
		raw, err := bot.pw.GetByMessageId(kind, mid)
		if err != nil {
			log.Logf(0, "tracker search failed for %v: %v", mid, err)
			continue
		}
		if raw == nil {
			continue
		}
		var obj struct {
			Series    []patchwork.SeriesRef `json:"series"`
			PullURL   string                `json:"pull_url"`
			Submitter struct {
				Email string `json:"email"`
			} `json:"submitter"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			log.Logf(0, "bad tracker object for %v: %v", mid, err)
			continue
		}
		if len(obj.Series) == 0 {
			log.Logf(1, "skip %v (no series), pull=%v", mid, obj.PullURL != "")
			continue
		}
		log.Logf(1, "series %v via msg-id %v", obj.Series[0].ID, mid)
		return obj.Series[0].ID, obj.Submitter.Email
	}
	return 0, ""
}

// seriesInfo is the fully loaded series with per-patch states.
type seriesInfo struct {
	id      int
	name    string
	date    time.Time
	patches []*patchwork.Patch
}

func (bot *Bot) loadSeries(id int) (*seriesInfo, error) {
	series, err := bot.pw.GetSeries(id)
	if err != nil {
		return nil, err
	}
	info := &seriesInfo{id: id, name: series.Name}
	info.date, _ = time.Parse("2006-01-02T15:04:05", series.Date)
	for i := range series.Patches {
		patch, err := bot.pw.GetPatch(series.Patches[i].ID)
		if err != nil {
			return nil, err
		}
		info.patches = append(info.patches, patch)
	}
	return info, nil
}

// state returns the common state of the series' patches, or
// "mixed (<majority>)" when they disagree.
func (info *seriesInfo) state() string {
	counts := make(map[string]int)
	for _, patch := range info.patches {
		counts[patch.State]++
	}
	best, bestCnt := "", 0
	for state, cnt := range counts {
		if cnt > bestCnt {
			best, bestCnt = state, cnt
		}
	}
	if len(counts) == 1 {
		return best
	}
	return fmt.Sprintf("mixed (%v)", best)
}

// delegate returns the majority delegate of the series, "" if none.
func (info *seriesInfo) delegate() string {
	counts := make(map[string]int)
	for _, patch := range info.patches {
		if patch.Delegate != nil {
			counts[patch.Delegate.Username]++
		}
	}
	best, bestCnt := "", 0
	for delegate, cnt := range counts {
		if cnt > bestCnt {
			best, bestCnt = delegate, cnt
		}
	}
	return best
}

// extractActions returns the state changes a mail asks for, after the
// authorization rules. Unauthorized senders lose all actions on any
// rule violation rather than having them trimmed.
func (bot *Bot) extractActions(msg *Message, selfReply bool) []string {
	var acts []string
	var processActs []string
	authorized := bot.authorized[msg.From]
	if authorized || selfReply {
		acts, processActs = msg.Directives()
		for _, act := range processActs {
			log.Logf(0, "ignoring process directive %q", act)
		}
	} else if bot.userBot(msg) {
		acts = []string{"changes-requested"}
	}
	if len(acts) == 0 && bot.autoAwaitingUpstream(msg) {
		acts = []string{"awaiting-upstream"}
	}
	if !authorized {
		bad := false
		if len(acts) > 1 {
			log.Logf(0, "too many actions for unauthorized sender")
			bad = true
		} else if len(acts) == 1 {
			target, known := actionMap[acts[0]]
			if !known {
				log.Logf(0, "bad state %q for unauthorized sender", acts[0])
				bad = true
			} else if stateActive[target] {
				log.Logf(0, "active state %q for unauthorized sender", target)
				bad = true
			}
		}
		if bad {
			return nil
		}
	}
	return acts
}

// weakIgnoreReason guards state changes from unauthorized senders:
// only active-to-inactive transitions go through.
func weakIgnoreReason(authorized bool, current, want string) string {
	if authorized {
		return ""
	}
	curActive, known := stateActive[current]
	if !known {
		return fmt.Sprintf("unknown or mixed state (%v)", current)
	}
	wantActive, known := stateActive[want]
	if !known {
		return fmt.Sprintf("unknown target state (%v)", want)
	}
	if !curActive || wantActive {
		return fmt.Sprintf("series already inactive %v -> %v", current, want)
	}
	return ""
}

func (bot *Bot) logStateChange(fields []string) {
	if bot.cfg.ChangeLog == "" {
		return
	}
	fp, err := os.OpenFile(bot.cfg.ChangeLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Logf(0, "failed to open change log: %v", err)
		return
	}
	defer fp.Close()
	w := csv.NewWriter(fp)
	w.Write(append([]string{bot.now().Format("Jan 02 15:04")}, fields...))
	w.Flush()
}

// errDelay asks for the mail to be retried later.
type errDelay struct {
	when time.Time
}

func (e *errDelay) Error() string {
	return fmt.Sprintf("delayed until %v", e.when)
}

// bpfGrace holds error-bot verdicts on bpf-delegated series for a
// day, the bpf maintainers triage those themselves.
const bpfGrace = 24 * time.Hour

// applyActions performs the resolved actions of one mail. An errDelay
// return re-queues the mail.
func (bot *Bot) applyActions(msg *Message, selfReply bool, acts []string) error {
	seriesID, _ := bot.threadSeries(msg)
	if seriesID == 0 {
		log.Logf(0, "series not found in tracker, retry in an hour")
		return &errDelay{when: bot.now().Add(time.Hour)}
	}
	series, err := bot.loadSeries(seriesID)
	if err != nil {
		return err
	}
	if len(series.patches) == 0 {
		log.Logf(0, "no patches found in series %v", seriesID)
		return nil
	}
	if series.delegate() == "bpf" && bot.userBot(msg) {
		if bot.now().Sub(series.date) < bpfGrace {
			return &errDelay{when: series.date.Add(bpfGrace)}
		}
	}
	authorized := bot.authorized[msg.From]
	for _, act := range acts {
		target, known := actionMap[act]
		if !known {
			log.Logf(0, "action not in the map: %q", act)
			continue
		}
		if reason := weakIgnoreReason(authorized, series.state(), target); reason != "" {
			log.Logf(0, "ignoring weak update (%v)", reason)
			continue
		}
		for _, patch := range series.patches {
			if err := bot.pw.UpdatePatchState(patch.ID, target); err != nil {
				return err
			}
			log.Logf(1, "updated patch %v to %q", patch.ID, target)
		}
		name := series.name
		if name == "" {
			name = "? " + msg.Subject
		}
		bot.logStateChange([]string{
			name, msg.From, series.state(), target,
			strconv.Itoa(series.id), msg.MessageID,
		})
	}
	return nil
}

// handle runs one mail through the full pipeline. redelivery marks
// mails coming back from the delay queue, which only get one retry.
func (bot *Bot) handle(msg *Message, redelivery bool) {
	if !msg.HasDirectives() && !bot.autoActions(msg) {
		return
	}
	closer := log.OpenSection("message %v: %v", msg.MessageID, msg.Subject)
	defer closer()

	if msg.lookup == nil {
		msg.lookup = bot.dkimLookup
	}
	_, author := bot.threadSeries(msg)
	selfReply := author != "" && author == msg.FromAddr
	if !bot.authorized[msg.From] && !bot.autoActions(msg) && !selfReply {
		log.Logf(0, "not an authorized sender, skip")
		return
	}
	if !msg.DKIMValid() {
		log.Logf(0, "sender verification failure")
		return
	}
	acts := bot.extractActions(msg, selfReply)
	if len(acts) == 0 {
		log.Logf(1, "authorized sender but no action")
		return
	}
	err := bot.applyActions(msg, selfReply, acts)
	if err == nil {
		return
	}
	var delay *errDelay
	if !errors.As(err, &delay) {
		log.Logf(0, "failed to apply actions: %v", err)
		return
	}
	if redelivery {
		log.Logf(0, "message delayed for the second time, dropping")
		return
	}
	bot.delayed = append(bot.delayed, &delayedAction{when: delay.when, msg: msg})
}

// checkRepo processes the mails that arrived in one archive repo
// since the last pass, one commit each, the mail stored as file "m".
func (bot *Bot) checkRepo(repo *mailRepo) error {
	if err := repo.tree.Fetch(repo.cfg.Remote); err != nil {
		return err
	}
	hashes, err := repo.tree.NewCommits(repo.cfg.Remote, repo.cfg.Branch)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := repo.tree.Checkout(hash); err != nil {
			return err
		}
		raw, err := os.ReadFile(filepath.Join(repo.tree.Dir(), "m"))
		if err != nil {
			log.Logf(0, "commit %v has no mail file: %v", hash, err)
			continue
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			log.Logf(0, "unparsable mail at %v: %v", hash, err)
			continue
		}
		bot.handle(msg, false)
	}
	return nil
}

func (bot *Bot) runDelayed() {
	now := bot.now()
	for len(bot.delayed) != 0 && bot.delayed[0].when.Before(now) {
		action := bot.delayed[0]
		bot.delayed = bot.delayed[1:]
		bot.handle(action.msg, true)
	}
}

func (bot *Bot) RunOnce() error {
	for _, repo := range bot.repos {
		if err := bot.checkRepo(repo); err != nil {
			return err
		}
	}
	bot.runDelayed()
	return nil
}

func (bot *Bot) Run() {
	for bot.life.NextPoll() {
		if err := bot.RunOnce(); err != nil {
			log.Logf(0, "pass failed: %v", err)
		}
	}
}
