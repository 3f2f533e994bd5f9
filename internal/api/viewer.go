package api

// viewerHTML is the built-in page served at the root: a JPEG stream viewer
// plus pointers to the capability endpoints. H.264 consumption needs a real
// client; the page sticks to the self-contained stream.
const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>ScreenWire</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 900px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 {
            color: #333;
            margin-top: 0;
        }
        .status {
            padding: 10px;
            background: #e8f5e9;
            border-left: 4px solid #4caf50;
            margin: 20px 0;
        }
        .info {
            color: #666;
            line-height: 1.6;
        }
        .viewer {
            margin: 20px 0;
        }
        .viewer img {
            max-width: 100%;
            background: #000;
            border-radius: 4px;
            display: none;
        }
        .viewer .stats {
            color: #666;
            font-size: 0.9em;
            margin-top: 8px;
            min-height: 1.2em;
        }
        button {
            padding: 8px 16px;
            border: none;
            border-radius: 4px;
            background: #1976d2;
            color: white;
            cursor: pointer;
            font-size: 1em;
        }
        button:hover {
            background: #1565c0;
        }
        code {
            background: #f5f5f5;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'Courier New', monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>🖥️ ScreenWire</h1>
        <div class="status">
            ✅ Server is running
        </div>
        <div class="viewer">
            <button id="toggle">▶ Start stream</button>
            <p></p>
            <img id="screen" alt="live screen">
            <div class="stats" id="stats"></div>
        </div>
        <div class="info">
            <p>ScreenWire mirrors this machine's display as an encoded stream over WebSocket.</p>
            <h3>Capability endpoints:</h3>
            <ul>
                <li><code>/video/h264/&lt;name&gt;</code> - H.264 byte stream (binary frames, text descriptors)</li>
                <li><code>/video/jpeg/&lt;name&gt;</code> - JPEG frames (what the viewer above uses)</li>
                <li><a href="/healthz">/healthz</a> - health check</li>
            </ul>
            <p>Descriptors precede each frame as compact JSON:
            <code>{"type":"key","timestamp": 123456}</code>.</p>
        </div>
    </div>
    <script>
        const toggle = document.getElementById('toggle');
        const screen = document.getElementById('screen');
        const stats = document.getElementById('stats');
        let ws = null;
        let lastUrl = null;
        let frames = 0;

        function stop() {
            if (ws) { ws.close(); ws = null; }
            toggle.textContent = '▶ Start stream';
        }

        function start() {
            const proto = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(proto + '://' + location.host + '/video/jpeg/viewer');
            ws.binaryType = 'blob';
            frames = 0;
            ws.onmessage = (ev) => {
                if (typeof ev.data === 'string') {
                    const desc = JSON.parse(ev.data);
                    stats.textContent = frames + ' frames, last ' + desc.type + ' @ ' + desc.timestamp + 'us';
                    return;
                }
                frames++;
                const url = URL.createObjectURL(ev.data);
                screen.onload = () => {
                    if (lastUrl) URL.revokeObjectURL(lastUrl);
                    lastUrl = url;
                };
                screen.src = url;
                screen.style.display = 'block';
            };
            ws.onclose = (ev) => {
                stats.textContent = 'disconnected: ' + (ev.reason || ev.code);
                stop();
            };
            toggle.textContent = '⏹ Stop stream';
        }

        toggle.addEventListener('click', () => { ws ? stop() : start(); });
    </script>
</body>
</html>`
