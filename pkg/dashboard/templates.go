package dashboard

// HTML templates for the dashboard pages, parsed at startup.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Flash-loan engine</title>
    <style>
        body { background: #111827; color: #e5e7eb; font-family: system-ui, sans-serif; margin: 0; }
        header { background: #1f2937; padding: 1rem 2rem; display: flex; gap: 2rem; align-items: center; }
        header a { color: #e5e7eb; text-decoration: none; font-weight: 600; }
        main { padding: 2rem; max-width: 72rem; margin: 0 auto; }
        table { border-collapse: collapse; width: 100%; }
        td, th { padding: 0.4rem 0.8rem; border-bottom: 1px solid #374151; text-align: left; }
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; }
        .ok { color: #34d399; }
        .fail { color: #f87171; }
        .cards { display: grid; grid-template-columns: repeat(auto-fill, minmax(12rem, 1fr)); gap: 1rem; }
        .card { background: #1f2937; border-radius: 0.5rem; padding: 1rem; }
        .card .label { color: #9ca3af; font-size: 0.8rem; }
        .card .value { font-size: 1.4rem; margin-top: 0.3rem; }
        input { background: #111827; color: #e5e7eb; border: 1px solid #374151; padding: 0.4rem; width: 28rem; }
        pre { background: #1f2937; padding: 1rem; overflow-x: auto; }
        a { color: #60a5fa; }
    </style>
</head>
<body>
    <header>
        <a href="/">Flash-loan engine</a>
        <form action="/search" method="get">
            <input name="q" placeholder="account address or transaction id" class="mono">
        </form>
    </header>
    <main>
        {{.Content}}
    </main>
</body>
</html>`

const homeTemplate = `<h1>Engine <span class="{{if .IsRunning}}ok{{else}}fail{{end}}">{{.Status}}</span></h1>
<div class="cards">
    <div class="card"><div class="label">Slot</div><div class="value">{{.CurrentSlot}}</div></div>
    <div class="card"><div class="label">Accounts</div><div class="value">{{formatNumber .AccountsCount}}</div></div>
    <div class="card"><div class="label">Transactions</div><div class="value">{{formatNumber .TxsProcessed}}</div></div>
    <div class="card"><div class="label">Failed</div><div class="value">{{formatNumber .TxsFailed}}</div></div>
    <div class="card"><div class="label">Success rate</div><div class="value">{{printf "%.1f" .SuccessRate}}%</div></div>
    <div class="card"><div class="label">Last execution</div><div class="value">{{printf "%.2f" .LastExecTimeMs}} ms</div></div>
    <div class="card"><div class="label">Receipts</div><div class="value">{{formatNumber .TransactionCount}}</div></div>
    <div class="card"><div class="label">Uptime</div><div class="value">{{.Uptime}}</div></div>
</div>
{{if .LastError}}<p class="fail">Last error: {{.LastError}}</p>{{end}}`

const accountTemplate = `<h1>Account</h1>
<p class="mono">{{.Pubkey}}</p>
<table>
    <tr><th>Lamports</th><td>{{.Lamports}}</td></tr>
    <tr><th>Owner</th><td class="mono"><a href="/accounts/{{.Owner}}">{{.Owner}}</a></td></tr>
    <tr><th>Executable</th><td>{{.Executable}}</td></tr>
    <tr><th>Rent epoch</th><td>{{.RentEpoch}}</td></tr>
    <tr><th>Data</th><td>{{.DataLen}} bytes</td></tr>
    {{with .TokenAmount}}<tr><th>Token amount</th><td>{{.}}</td></tr>{{end}}
</table>
{{if .DataLen}}<h2>Data{{if .DataTruncated}} (truncated){{end}}</h2>
<pre class="mono">{{.DataHex}}</pre>{{end}}
<h2>Recent transactions</h2>
{{if .Recent}}<table>
    <tr><th>Transaction</th><th>Slot</th><th>Result</th></tr>
    {{range .Recent}}<tr>
        <td class="mono"><a href="/transactions/{{.ID}}">{{truncateHash .ID 8}}</a></td>
        <td>{{.Slot}}</td>
        <td>{{if .Success}}<span class="ok">success</span>{{else}}<span class="fail">failed</span>{{end}}</td>
    </tr>{{end}}
</table>{{else}}<p>None.</p>{{end}}`

const transactionTemplate = `<h1>Transaction</h1>
<p class="mono">{{.ID}}</p>
<table>
    <tr><th>Slot</th><td>{{.Slot}}</td></tr>
    <tr><th>Result</th><td>{{if .Success}}<span class="ok">success</span>{{else}}<span class="fail">{{.Error}}</span>{{end}}</td></tr>
    {{with .InstructionIndex}}<tr><th>Failed instruction</th><td>{{.}}</td></tr>{{end}}
    {{with .Custom}}<tr><th>Error code</th><td>{{.}}</td></tr>{{end}}
    <tr><th>Compute units</th><td>{{.ComputeUnitsConsumed}}</td></tr>
    {{if .StateHash}}<tr><th>State hash</th><td class="mono">{{.StateHash}}</td></tr>{{end}}
</table>
<h2>Logs</h2>
<pre class="mono">{{range .Logs}}{{.}}
{{end}}</pre>`

const notFoundTemplate = `<h1>Not found</h1>
<p>No {{.}}.</p>
<p><a href="/">Back to overview</a></p>`
