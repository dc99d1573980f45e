package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaystate inspector</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1240px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.75rem); letter-spacing: 0.02em; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .status.ok { color: var(--accent); }
    .status.warn { color: var(--danger); }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(auto-fill, minmax(280px, 1fr)); }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
    }

    .card h2 { margin: 0 0 8px; font-size: 1rem; }
    .card.pulse { animation: pulse 360ms ease; }
    pre { margin: 0; font-size: 0.82rem; white-space: pre-wrap; word-break: break-word; }

    @keyframes pulse {
      0% { box-shadow: 0 0 0 0 rgba(31, 157, 136, 0.4); }
      100% { box-shadow: 0 0 0 10px rgba(31, 157, 136, 0); }
    }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>relaystate inspector</h1>
      <div class="sub">instance <span id="instance">?</span> &middot; <span id="status" class="status">connecting</span></div>
    </div>
    <div id="cards" class="cards"></div>
  </div>
  <script>
    (() => {
      const dom = {
        cards: document.getElementById("cards"),
        instance: document.getElementById("instance"),
        status: document.getElementById("status"),
      };
      const records = {};
      // With auth enabled, open /dashboard?token=<context token>.
      const token = new URLSearchParams(location.search).get("token") || "";
      const auth = token ? "token=" + encodeURIComponent(token) : "";

      function setStatus(text, kind) {
        dom.status.textContent = text;
        dom.status.className = "status " + kind;
      }

      function render(ns, pulse) {
        let card = document.getElementById("ns-" + ns);
        if (!card) {
          card = document.createElement("div");
          card.id = "ns-" + ns;
          card.className = "card";
          card.innerHTML = "<h2></h2><pre></pre>";
          card.querySelector("h2").textContent = ns;
          dom.cards.appendChild(card);
        }
        card.querySelector("pre").textContent = JSON.stringify(records[ns], null, 2);
        if (pulse) {
          card.classList.remove("pulse");
          void card.offsetWidth;
          card.classList.add("pulse");
        }
      }

      async function refresh() {
        const resp = await fetch(auth ? "/v1/state?" + auth : "/v1/state");
        if (!resp.ok) {
          const hint = resp.status === 401 ? ", pass ?token=" : "";
          setStatus("state unavailable (" + resp.status + hint + ")", "warn");
          return;
        }
        const payload = await resp.json();
        dom.instance.textContent = payload.instanceId;
        Object.keys(payload.snapshot).sort().forEach((ns) => {
          records[ns] = payload.snapshot[ns];
          render(ns, false);
        });
      }

      function stream() {
        const proto = location.protocol === "https:" ? "wss://" : "ws://";
        // A token is bound to its own context, so the inspector id is only
        // claimed when auth is off.
        const query = auth || "context=inspector";
        const ws = new WebSocket(proto + location.host + "/v1/pages?" + query);
        ws.onopen = () => setStatus("live", "ok");
        ws.onmessage = (event) => {
          const msg = JSON.parse(event.data);
          if (msg.type !== "state_update") {
            return;
          }
          records[msg.namespace] = msg.record;
          render(msg.namespace, true);
        };
        ws.onclose = () => {
          setStatus("disconnected, retrying", "warn");
          setTimeout(() => { refresh().catch(() => {}); stream(); }, 1000);
        };
      }

      refresh().catch(() => setStatus("state unavailable", "warn"));
      stream();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
