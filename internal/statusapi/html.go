package statusapi

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Posture Guard Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        :root { --good: #2ecc71; --warning: #ffa500; --bad: #e74c3c; }
        body { font-family: sans-serif; background: #1e1e1e; color: #eee; margin: 0; padding: 20px; }
        .status { font-size: 2em; font-weight: bold; margin-bottom: 10px; }
        .good { color: var(--good); } .warning { color: var(--warning); } .bad { color: var(--bad); }
        .alerts span { display: inline-block; padding: 4px 8px; margin: 2px; border-radius: 4px; background: var(--bad); }
        table td { padding: 2px 12px 2px 0; }
        img { width: 100%; max-width: 640px; display: block; margin-top: 12px; }
        button { margin-right: 8px; }
    </style>
</head>
<body>
    <div class="status" id="posture">Waiting for data...</div>
    <div class="alerts" id="alerts"></div>
    <table>
        <tr><td>Face size</td><td id="face-size">-</td></tr>
        <tr><td>Smoothed</td><td id="smoothed">-</td></tr>
        <tr><td>No face for</td><td id="no-face">-</td></tr>
        <tr><td>EAR</td><td id="ear">-</td></tr>
        <tr><td>Blinks</td><td id="blinks">-</td></tr>
        <tr><td>Blink rate</td><td id="blink-rate">-</td></tr>
        <tr><td>Frames</td><td id="frames">-</td></tr>
    </table>
    <div>
        <button onclick="post('/start')">Start</button>
        <button onclick="post('/stop')">Stop</button>
        <button onclick="post('/reset')">Reset</button>
    </div>
    <img id="overlay" alt="Posture overlay">
    <script>
        const fmt = (v, d) => (v === null || v === undefined) ? '-' : Number(v).toFixed(d);
        const post = (path) => fetch(path, { method: 'POST' });
        const names = {
            bad_alert: 'Bad posture', warning_alert: 'Adjust posture', no_face_alert: 'No face',
            low_blink_rate_alert: 'Low blink rate', serious_eye_strain: 'Eye strain'
        };
        const events = new EventSource('/api/status/stream');
        events.onmessage = (e) => {
            const s = JSON.parse(e.data);
            const el = document.getElementById('posture');
            el.textContent = s.is_face_detected ? s.posture_status.toUpperCase() : 'NO FACE';
            el.className = 'status ' + (s.is_face_detected ? s.posture_status : 'bad');
            document.getElementById('alerts').innerHTML = Object.keys(names)
                .filter((k) => s.alerts[k]).map((k) => '<span>' + names[k] + '</span>').join('');
            document.getElementById('face-size').textContent = fmt(s.face_size, 3);
            document.getElementById('smoothed').textContent = fmt(s.smoothed_face_size, 3);
            document.getElementById('no-face').textContent = fmt(s.no_face_duration, 1) + ' s';
            document.getElementById('ear').textContent = fmt(s.ear, 3);
            document.getElementById('blinks').textContent = s.blink_count;
            document.getElementById('blink-rate').textContent = s.blink_rate + ' /min';
            document.getElementById('frames').textContent = s.frame_count;
            document.getElementById('overlay').src = '/api/overlay.png?t=' + s.frame_count;
        };
    </script>
</body>
</html>
`
