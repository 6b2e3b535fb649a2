package preview

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Vitals Bridge Preview</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #ddd; font-family: sans-serif; margin: 0; }
        .app { display: flex; flex-wrap: wrap; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .stream img { max-width: 100%; display: block; }
        .stat { display: flex; justify-content: space-between; gap: 24px; padding: 4px 0; }
        .stat-label { color: #888; }
        .badge { font-size: 12px; padding: 2px 8px; border-radius: 8px; background: #333; }
        .badge.ok { background: #185c2c; }
    </style>
</head>
<body>
    <div class="app">
        <div class="panel stream">
            <img id="stream" src="/stream" alt="preview stream">
        </div>
        <div class="panel">
            <div class="stat"><span class="stat-label">Telemetry</span><span class="badge" id="telemetry">--</span></div>
            <div class="stat"><span class="stat-label">Ingest</span><span class="badge" id="ingest">--</span></div>
            <div class="stat"><span class="stat-label">Sensing</span><span id="sensing">--</span></div>
            <div class="stat"><span class="stat-label">Pulse</span><span id="pulse">--</span></div>
            <div class="stat"><span class="stat-label">Breathing</span><span id="breathing">--</span></div>
            <div class="stat"><span class="stat-label">Talking</span><span id="talking">--</span></div>
            <div class="stat"><span class="stat-label">Frames</span><span id="frames">--</span></div>
            <div class="stat"><span class="stat-label">Landmarks</span><span id="landmarks">--</span></div>
            <div class="stat"><span class="stat-label">Status channel</span><span id="channel">SSE</span></div>
        </div>
    </div>
    <script>
        const $ = (id) => document.getElementById(id);
        const rate = (v, unit) => v > 0 ? v + ' ' + unit : '--';

        function render(s) {
            $('telemetry').textContent = s.telemetry;
            $('telemetry').className = 'badge' + (s.telemetry === 'connected' ? ' ok' : '');
            $('ingest').textContent = s.ingest;
            $('ingest').className = 'badge' + (s.ingest === 'streaming' ? ' ok' : '');
            $('sensing').textContent = s.sensing_status || '--';
            $('pulse').textContent = rate(s.vitals.pulse_rate, 'bpm');
            $('breathing').textContent = rate(s.vitals.breathing_rate, 'rpm');
            $('talking').textContent = s.vitals.talking ? 'YES' : 'NO';
            $('frames').textContent = s.frames_received + ' (' + s.frame_width + 'x' + s.frame_height + ')';
            $('landmarks').textContent = s.landmark_count + ' / ' + s.canonical_count;
        }

        function useSSE() {
            const source = new EventSource('/api/status/stream');
            source.onmessage = (e) => render(JSON.parse(e.data));
        }

        async function useWebRTC() {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            const channel = pc.createDataChannel('status');
            channel.onmessage = (e) => render(JSON.parse(e.data));
            await pc.setLocalDescription(await pc.createOffer());
            await new Promise((resolve) => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.onicegatheringstatechange = () => pc.iceGatheringState === 'complete' && resolve();
            });
            const res = await fetch('/api/webrtc/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription),
            });
            if (!res.ok) throw new Error(await res.text());
            await pc.setRemoteDescription(await res.json());
            $('channel').textContent = 'WebRTC';
        }

        fetch('/api/status').then((r) => r.json()).then(render);
        if (window.RTCPeerConnection) {
            useWebRTC().catch(() => useSSE());
        } else {
            useSSE();
        }
    </script>
</body>
</html>
`
