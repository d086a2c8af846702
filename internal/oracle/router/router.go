// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router dispatches incoming mesh messages. Bang commands and
// gossip take a fast path; freeform queries walk the grounding tiers
// (sensor facts, response cache, local documents, peer answers, referral)
// and refuse when nothing grounds an answer.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/board"
	"delfi/internal/oracle/facts"
	"delfi/internal/oracle/formatter"
	"delfi/internal/oracle/memory"
	"delfi/internal/oracle/meshknow"
	"delfi/internal/oracle/persist"
	"delfi/internal/oracle/rag"
	"delfi/internal/oracle/telemetry"
)

const (
	cacheFile       = "response_cache.json"
	seenSendersFile = "seen_senders.txt"

	// defaultAutoSendChunks is how many chunks go out before the user has
	// to type !more.
	defaultAutoSendChunks = 3
)

// greetings are short messages that are hellos, not questions.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {},
	"sup": {}, "howdy": {}, "hola": {}, "greetings": {},
}

var nonWord = regexp.MustCompile(`[^\w]`)

// Generator is the slice of the RAG engine the router needs. *rag.Engine
// satisfies it.
type Generator interface {
	Available() bool
	RAGAvailable() bool
	DocCount() int
	GetTopics() []string
	Retrieve(ctx context.Context, query string, topK int) []rag.Chunk
	Generate(ctx context.Context, query string, chunks []rag.Chunk, peerContext, history, boardContext string) (string, error)
}

// Config holds the router's tunables.
type Config struct {
	NodeName          string
	Model             string
	MaxResponseBytes  int
	ResponseCacheTTL  time.Duration
	PersistentCache   bool
	AutoSendChunks    int
	TopK              int
	FactQueryKeywords []string
}

// Deps are the optional subsystems. Any of them may be nil.
type Deps struct {
	Mesh   *meshknow.Service
	Facts  *facts.Store
	Memory *memory.Memory
	Board  *board.Board
}

type cacheEntry struct {
	Response string  `json:"response"`
	TS       float64 `json:"ts"`
}

// Router routes incoming messages to the appropriate handler. Plain
// if/else dispatch, no state machines.
type Router struct {
	cfg   Config
	gen   Generator
	mesh  *meshknow.Service
	facts *facts.Store
	mem   *memory.Memory
	board *board.Board

	state persist.Store
	log   zerolog.Logger

	mu            sync.Mutex
	moreBuffers   map[string]*MoreBuffer
	responseCache map[string]cacheEntry
	seenSenders   map[string]struct{}
	lastQuery     map[string]string
	queryCount    int

	startTime time.Time
	now       func() time.Time
}

// New builds a Router. state persists the response cache and the set of
// senders already welcomed.
func New(cfg Config, gen Generator, deps Deps, state persist.Store, log zerolog.Logger) *Router {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 200
	}
	if cfg.AutoSendChunks <= 0 {
		cfg.AutoSendChunks = defaultAutoSendChunks
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	r := &Router{
		cfg:           cfg,
		gen:           gen,
		mesh:          deps.Mesh,
		facts:         deps.Facts,
		mem:           deps.Memory,
		board:         deps.Board,
		state:         state,
		log:           log,
		moreBuffers:   make(map[string]*MoreBuffer),
		responseCache: make(map[string]cacheEntry),
		seenSenders:   make(map[string]struct{}),
		lastQuery:     make(map[string]string),
		startTime:     time.Now(),
		now:           time.Now,
	}
	r.loadSeenSenders()
	if cfg.PersistentCache {
		r.loadDiskCache()
	}
	return r
}

// Classify buckets a message without processing it. Returns "empty",
// "command", "gossip", or "query". The dispatcher uses this to separate
// fast-path messages from slow-path LLM queries.
func (r *Router) Classify(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "empty"
	case strings.HasPrefix(text, "!"):
		return "command"
	case strings.HasPrefix(text, "DEL-FI:") && r.mesh.Enabled():
		return "gossip"
	default:
		return "query"
	}
}

// BusyMessage is the short notice sent to a queued sender. Kept brief,
// this eats radio airtime on LoRa.
func (r *Router) BusyMessage(position int) string {
	if position <= 1 {
		return r.cfg.NodeName + ": Working on another question, yours is next."
	}
	return r.cfg.NodeName + ": " + strconv.Itoa(position) + " questions ahead of yours, hang tight."
}

// Route handles one message and returns the response to send, or "" when
// nothing should be sent. Multi-chunk responses return only the first
// chunk; use RouteMulti to get the auto-send window.
func (r *Router) Route(ctx context.Context, senderID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	r.cleanExpiredBuffers()

	if strings.HasPrefix(text, "!") {
		return r.enforceLimit(r.handleCommand(ctx, senderID, text))
	}

	if strings.HasPrefix(text, "DEL-FI:") && r.mesh.Enabled() {
		r.mesh.HandleAnnouncement(senderID, text)
		return ""
	}

	// Freeform query, handleQuery does its own size enforcement.
	return r.handleQuery(ctx, senderID, text)
}

// RouteMulti routes a message and returns up to AutoSendChunks consecutive
// messages so the user reads the bulk of a long answer without typing
// !more. The continuation tag appears only on the final auto-send slot,
// and only when chunks remain beyond it.
func (r *Router) RouteMulti(ctx context.Context, senderID, text string) []string {
	r.mu.Lock()
	prev := r.moreBuffers[senderID]
	r.mu.Unlock()

	first := r.Route(ctx, senderID, text)
	if first == "" {
		return nil
	}

	nAuto := r.cfg.AutoSendChunks

	r.mu.Lock()
	buf := r.moreBuffers[senderID]
	r.mu.Unlock()

	// Auto-send only draws from a buffer this call created. A buffer
	// left over from an earlier answer stays reserved for !more.
	if buf == nil || buf == prev || nAuto <= 1 {
		return []string{first}
	}

	// Route already tagged the first chunk for callers that use it
	// directly. Strip it here, the tag placement below is ours.
	base := strings.TrimSuffix(first, formatter.MoreTag)
	msgs := []string{base}

	for len(msgs) < nAuto {
		chunk := buf.NextChunk()
		if chunk == "" {
			break
		}
		lastSlot := len(msgs) == nAuto-1
		if !lastSlot && strings.HasSuffix(chunk, formatter.MoreTag) {
			chunk = strings.TrimRight(strings.TrimSuffix(chunk, formatter.MoreTag), " ")
		}
		msgs = append(msgs, chunk)
	}
	return msgs
}

// enforceLimit truncates any outgoing message that exceeds the byte
// limit. Safety net for command responses and other paths that bypass
// formatter.FormatResponse.
func (r *Router) enforceLimit(text string) string {
	if text == "" || formatter.ByteLen(text) <= r.cfg.MaxResponseBytes {
		return text
	}
	return formatter.TruncateAtSentence(text, r.cfg.MaxResponseBytes)
}

// --- Command handlers ---

func (r *Router) handleCommand(ctx context.Context, senderID, text string) string {
	cmd, arg, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "!help":
		return r.cmdHelp()
	case "!status":
		return r.cmdStatus()
	case "!topics":
		return r.cmdTopics()
	case "!ping":
		return "pong from " + r.cfg.NodeName
	case "!peers":
		return r.mesh.FormatPeersResponse()
	case "!more":
		return r.cmdMore(senderID, arg)
	case "!retry":
		return r.cmdRetry(ctx, senderID)
	case "!forget":
		return r.cmdForget(senderID)
	case "!board":
		if r.board == nil {
			return "The board is not enabled on this node."
		}
		return r.board.Read(arg)
	case "!post":
		if r.board == nil {
			return "The board is not enabled on this node."
		}
		return r.board.Post(senderID, arg)
	case "!unpost":
		if r.board == nil {
			return "The board is not enabled on this node."
		}
		return r.board.Clear(senderID)
	case "!data":
		return r.cmdData()
	}
	return "Unknown command: " + cmd + ". Try !help"
}

func (r *Router) cmdHelp() string {
	return r.cfg.NodeName + " · AI oracle · " + strconv.Itoa(r.gen.DocCount()) + " docs\n" +
		"Ask anything in plain text.\n" +
		"!topics !status !board !post\n" +
		"!more !retry !forget !ping !peers !data"
}

func (r *Router) cmdStatus() string {
	r.mu.Lock()
	count := r.queryCount
	r.mu.Unlock()

	ollamaOK := "✗"
	if r.gen.Available() {
		ollamaOK = "✓"
	}
	ragOK := "✗"
	if r.gen.RAGAvailable() {
		ragOK = "✓"
	}
	return r.cfg.NodeName + " up " + r.formatUptime() + " · " + r.cfg.Model +
		" · " + strconv.Itoa(r.gen.DocCount()) + " docs\n" +
		"queries: " + strconv.Itoa(count) + "\n" +
		"ollama: " + ollamaOK + " · rag: " + ragOK
}

func (r *Router) cmdTopics() string {
	topics := r.gen.GetTopics()
	if len(topics) == 0 {
		return "No documents loaded. Drop .txt or .md files into the knowledge folder."
	}
	return "Topics: " + strings.Join(topics, ", ")
}

func (r *Router) cmdMore(senderID, arg string) string {
	r.mu.Lock()
	buf := r.moreBuffers[senderID]
	r.mu.Unlock()

	if buf == nil || buf.Expired(r.now()) {
		return "No pending response. Send a question first."
	}

	if n, err := strconv.Atoi(arg); err == nil && arg != "" {
		if chunk := buf.GetChunk(n); chunk != "" {
			return chunk
		}
		return "No chunk " + strconv.Itoa(n) + ". Response has " +
			strconv.Itoa(buf.TotalChunks()) + " parts."
	}

	if chunk := buf.NextChunk(); chunk != "" {
		return chunk
	}
	return "End of response. No more chunks."
}

// cmdRetry re-runs the sender's last query, evicting any cached answer
// first.
func (r *Router) cmdRetry(ctx context.Context, senderID string) string {
	r.mu.Lock()
	last := r.lastQuery[senderID]
	if last != "" {
		key := strings.ToLower(strings.TrimSpace(last))
		if _, ok := r.responseCache[key]; ok {
			delete(r.responseCache, key)
			if r.cfg.PersistentCache {
				r.saveDiskCacheLocked()
			}
			r.log.Info().Str("query", key).Msg("cache evicted for retry")
		}
	}
	r.mu.Unlock()

	if last == "" {
		return "No previous query to retry. Ask a question first."
	}
	return r.handleQuery(ctx, senderID, last)
}

func (r *Router) cmdForget(senderID string) string {
	if r.mem == nil {
		return "Conversation memory is not enabled on this node."
	}
	r.mem.Clear(senderID)
	return "Memory cleared. I won't remember our previous conversation."
}

func (r *Router) cmdData() string {
	if r.facts == nil || !r.facts.HasFacts() {
		return "No sensor data loaded. Write readings to cache/sensor_feed.json (see sensor_feed.example.json)."
	}
	return r.facts.FormatSnapshot()
}

// --- Tier 0: sensor facts ---

// tier0Facts answers sensor and measurement queries straight from the
// fact store, no LLM call. Returns "" to fall through to retrieval.
func (r *Router) tier0Facts(query string) string {
	if r.facts == nil || !r.facts.HasFacts() {
		return ""
	}

	qLower := strings.ToLower(query)
	hit := false
	for _, kw := range r.cfg.FactQueryKeywords {
		if strings.Contains(qLower, kw) {
			hit = true
			break
		}
	}
	if !hit {
		return ""
	}

	qWords := tokenSet(qLower)
	var matched []string
	for _, key := range r.facts.Keys() {
		// Underscores split too, so "temperature_f" matches the query
		// token "temperature".
		keyTokens := tokenSet(strings.ReplaceAll(strings.ToLower(key), "_", " "))
		for tok := range keyTokens {
			if _, ok := qWords[tok]; ok {
				matched = append(matched, key)
				break
			}
		}
	}
	if len(matched) == 0 {
		return "" // keyword hit but no specific fact key, fall to retrieval
	}

	sort.Strings(matched)
	var lines []string
	for _, k := range matched {
		if v := r.facts.FormatValue(k); v != "" {
			lines = append(lines, v)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return r.cfg.NodeName + ": " + strings.Join(lines, " | ")
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(nonWord.ReplaceAllString(text, " ")) {
		set[w] = struct{}{}
	}
	return set
}

// --- Query handling ---

func (r *Router) handleQuery(ctx context.Context, senderID, text string) string {
	r.mu.Lock()
	r.queryCount++
	r.lastQuery[senderID] = text // tracked for !retry
	seen := r.isSeenLocked(senderID)
	r.mu.Unlock()

	telemetry.ObserveQuery()

	history := r.mem.FormatForPrompt(senderID)

	boardContext := ""
	if r.board.PostCount() > 0 {
		boardContext = r.board.FormatForContext(text, 5)
	}

	if isGreeting(text) && !seen {
		r.markSeen(senderID)
		telemetry.ObserveTier("greeting")
		return "Hi from " + r.cfg.NodeName + ". I answer questions using local docs.\n" +
			"Try asking something, or send !help · !topics"
	}

	// Sensor facts run before the response cache so fresh readings are
	// never served from a stale cached reply, and are not cached either.
	if fact := r.tier0Facts(text); fact != "" {
		r.log.Info().Msg("tier0: fact match, returning direct sensor value")
		telemetry.ObserveTier("facts")
		return r.finalize(senderID, fact, "")
	}

	if cached := r.checkCache(text); cached != "" {
		r.log.Info().Msg("cache hit")
		telemetry.ObserveTier("cache")
		return r.finalize(senderID, cached, "")
	}

	if !r.gen.Available() {
		return "I'm still warming up, try again in a minute."
	}

	chunks := r.gen.Retrieve(ctx, text, r.cfg.TopK)

	var (
		response   string
		err        error
		provenance string
		hadContext bool
	)
	if len(chunks) > 0 {
		// Good local match, generate from operator knowledge.
		hadContext = true
		telemetry.ObserveTier("rag")
		response, err = r.gen.Generate(ctx, text, chunks, "", history, boardContext)
	} else {
		peer := r.mesh.CheckPeerCache(text)
		if peer != nil {
			hadContext = true
			r.log.Info().Str("peer", peer.PeerName).Msg("peer cache match")
			telemetry.ObserveTier("peer")
			provenance = peer.PeerName
			peerCtx := "[" + peer.PeerName + "]: " + peer.Response
			response, err = r.gen.Generate(ctx, text, nil, peerCtx, history, boardContext)
		} else {
			if referral := r.mesh.FindReferral(text); referral != "" {
				telemetry.ObserveTier("referral")
				return r.finalize(senderID, referral, "")
			}

			// No local docs, no peer cache. Refuse rather than let the
			// model answer ungrounded.
			r.log.Info().Msg("no context found, declining to answer")
			telemetry.ObserveTier("refusal")
			refusal := r.cfg.NodeName + ": I don't have anything in my knowledge base about that. " +
				"Try !topics to see what I know."
			return r.finalize(senderID, refusal, "")
		}
	}

	if err != nil || response == "" {
		if err != nil && !errors.Is(err, rag.ErrUnavailable) {
			r.log.Warn().Err(err).Msg("generation failed")
		}
		telemetry.ObserveLLMFailure()
		return "I'm having trouble thinking right now. Try again in a minute."
	}

	// Only answers backed by retrieval or peer data get cached. Nothing
	// here reaches the cache without context, but the guard stays in case
	// a future tier generates without grounding.
	if hadContext {
		r.cacheResponse(text, response)
	}

	r.mem.AddTurn(senderID, text, response)

	return r.finalize(senderID, response, provenance)
}

// finalize formats the response, sets up the !more buffer for long
// answers, and appends a welcome footer for first contact when it fits.
func (r *Router) finalize(senderID, text, provenance string) string {
	maxBytes := r.cfg.MaxResponseBytes

	chunks := formatter.FormatResponse(text, provenance, maxBytes)
	firstMsg := chunks[0]

	r.mu.Lock()
	if !r.isSeenLocked(senderID) {
		r.seenSenders[senderID] = struct{}{}
		r.saveSeenSendersLocked()
		footer := "\n---\nDel-Fi oracle · " + strconv.Itoa(r.gen.DocCount()) + " docs · !help !topics"
		if formatter.ByteLen(firstMsg+footer) <= maxBytes {
			firstMsg += footer
		}
	}

	if len(chunks) > 1 {
		bufChunks := append([]string{strings.TrimSuffix(chunks[0], formatter.MoreTag)}, chunks[1:]...)
		r.moreBuffers[senderID] = NewMoreBuffer(bufChunks, r.now())
	} else {
		// A short answer supersedes any leftover long one.
		delete(r.moreBuffers, senderID)
	}
	r.mu.Unlock()

	return firstMsg
}

func isGreeting(text string) bool {
	cleaned := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), "!.,?")
	_, ok := greetings[cleaned]
	return ok
}

// --- Response cache ---

func (r *Router) checkCache(query string) string {
	key := strings.ToLower(strings.TrimSpace(query))
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.responseCache[key]
	if !ok {
		return ""
	}
	if float64(r.now().Unix())-entry.TS < r.cfg.ResponseCacheTTL.Seconds() {
		return entry.Response
	}
	delete(r.responseCache, key)
	return ""
}

func (r *Router) cacheResponse(query, response string) {
	key := strings.ToLower(strings.TrimSpace(query))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseCache[key] = cacheEntry{Response: response, TS: float64(r.now().Unix())}

	// Periodic eviction to keep the cache bounded.
	if len(r.responseCache) > 100 {
		now := float64(r.now().Unix())
		ttl := r.cfg.ResponseCacheTTL.Seconds()
		for k, e := range r.responseCache {
			if now-e.TS >= ttl {
				delete(r.responseCache, k)
			}
		}
	}

	if r.cfg.PersistentCache {
		r.saveDiskCacheLocked()
	}
}

// loadDiskCache restores unexpired cached responses. Losing this file is
// harmless.
func (r *Router) loadDiskCache() {
	data, err := r.state.Load(cacheFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Msg("could not load response cache")
		}
		return
	}
	var entries map[string]cacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		r.log.Warn().Err(err).Msg("could not load response cache")
		return
	}
	now := float64(r.now().Unix())
	ttl := r.cfg.ResponseCacheTTL.Seconds()
	for key, e := range entries {
		if now-e.TS < ttl {
			r.responseCache[key] = e
		}
	}
	if len(r.responseCache) > 0 {
		r.log.Info().Int("entries", len(r.responseCache)).Msg("loaded cached responses from disk")
	}
}

func (r *Router) saveDiskCacheLocked() {
	data, err := json.Marshal(r.responseCache)
	if err != nil {
		return
	}
	if err := r.state.Save(cacheFile, data); err != nil {
		r.log.Warn().Err(err).Msg("could not save response cache")
	}
}

// --- Seen senders ---

func (r *Router) isSeenLocked(senderID string) bool {
	_, ok := r.seenSenders[senderID]
	return ok
}

func (r *Router) markSeen(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenSenders[senderID] = struct{}{}
	r.saveSeenSendersLocked()
}

func (r *Router) loadSeenSenders() {
	data, err := r.state.Load(seenSendersFile)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			r.seenSenders[line] = struct{}{}
		}
	}
}

func (r *Router) saveSeenSendersLocked() {
	ids := make([]string, 0, len(r.seenSenders))
	for id := range r.seenSenders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	if err := r.state.Save(seenSendersFile, []byte(b.String())); err != nil {
		r.log.Warn().Err(err).Msg("could not save seen senders")
	}
}

// --- Housekeeping ---

func (r *Router) cleanExpiredBuffers() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.moreBuffers {
		if v.Expired(now) {
			delete(r.moreBuffers, k)
		}
	}
}

// QueryCount reports how many freeform queries have been handled.
func (r *Router) QueryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryCount
}

func (r *Router) formatUptime() string {
	elapsed := int(r.now().Sub(r.startTime).Seconds())
	days := elapsed / 86400
	hours := (elapsed % 86400) / 3600
	if days > 0 {
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h"
	}
	minutes := (elapsed % 3600) / 60
	return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
}
