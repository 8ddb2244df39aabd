package signals

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	WorkerBombThreshold = 5
	FreezeDrift         = time.Second
	probeInterval       = 250 * time.Millisecond
)

var (
	CarrierMissingErr = errors.New("instrumentation carrier not present on page")
)

// installed into every new document before any page script runs; state is staged on the carrier
// and read back by the controller once the interaction window closes
const instrumentationJS = `(function () {
  var key = '__CARRIER__';
  if (Object.prototype.hasOwnProperty.call(window, key)) { return; }
  var state = { fullscreen: false, keyboardLock: false, pointerLock: false, workers: 0, workerBomb: false, frozen: false };
  Object.defineProperty(window, key, { value: state, enumerable: false, configurable: false, writable: false });

  function wrap(proto, name, flag) {
    if (!proto || typeof proto[name] !== 'function') { return; }
    var orig = proto[name];
    proto[name] = function () {
      state[flag] = true;
      return orig.apply(this, arguments);
    };
  }

  var el = window.Element && window.Element.prototype;
  ['requestFullscreen', 'webkitRequestFullscreen', 'webkitRequestFullScreen', 'mozRequestFullScreen', 'msRequestFullscreen'].forEach(function (n) {
    wrap(el, n, 'fullscreen');
  });
  ['requestPointerLock', 'webkitRequestPointerLock', 'mozRequestPointerLock'].forEach(function (n) {
    wrap(el, n, 'pointerLock');
  });
  if (navigator.keyboard) {
    wrap(Object.getPrototypeOf(navigator.keyboard), 'lock', 'keyboardLock');
  }

  ['Worker', 'SharedWorker'].forEach(function (n) {
    var Orig = window[n];
    if (typeof Orig !== 'function') { return; }
    var Counted = function (a, b) {
      state.workers++;
      if (state.workers >= __WORKER_LIMIT__) { state.workerBomb = true; }
      return new Orig(a, b);
    };
    Counted.prototype = Orig.prototype;
    window[n] = Counted;
  });

  var interval = __TICK_MS__;
  var last = Date.now();
  setInterval(function () {
    var now = Date.now();
    if (now - last - interval > __DRIFT_MS__) { state.frozen = true; }
    last = now;
  }, interval);
})();`

type carrierState struct {
	Fullscreen   bool `json:"fullscreen"`
	KeyboardLock bool `json:"keyboardLock"`
	PointerLock  bool `json:"pointerLock"`
	Workers      int  `json:"workers"`
	WorkerBomb   bool `json:"workerBomb"`
	Frozen       bool `json:"frozen"`
}

// Instrumentation hooks the evasion-prone page APIs of a single browsing session
type Instrumentation struct {
	carrier string
}

// NewInstrumentation picks a fresh carrier name so that pages cannot probe for a fixed global
func NewInstrumentation() *Instrumentation {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return &Instrumentation{
		carrier: "_" + id,
	}
}

func (in *Instrumentation) Carrier() string {
	return in.carrier
}

// Script returns the source to register as an init script before navigating
func (in *Instrumentation) Script() string {
	r := strings.NewReplacer(
		"__CARRIER__", in.carrier,
		"__WORKER_LIMIT__", strconv.Itoa(WorkerBombThreshold),
		"__TICK_MS__", strconv.FormatInt(probeInterval.Milliseconds(), 10),
		"__DRIFT_MS__", strconv.FormatInt(FreezeDrift.Milliseconds(), 10),
	)
	return r.Replace(instrumentationJS)
}

// CollectExpression evaluates to the JSON encoded carrier state, or "null" when missing
func (in *Instrumentation) CollectExpression() string {
	return "JSON.stringify(window['" + in.carrier + "'] || null)"
}

// Parse converts the result of CollectExpression into signals
func (in *Instrumentation) Parse(raw string) (models.Signals, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "undefined" {
		return models.Signals{}, CarrierMissingErr
	}
	var st carrierState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.Signals{}, errors.Wrap(err, "decode carrier state")
	}
	return models.Signals{
		Fullscreen:     st.Fullscreen,
		KeyboardLock:   st.KeyboardLock,
		PointerLock:    st.PointerLock,
		WorkerBomb:     st.WorkerBomb || st.Workers >= WorkerBombThreshold,
		PageLoadFrozen: st.Frozen,
	}, nil
}
