package sqlinline

const AccountColumns = `id, email, locale, webhook_url, points, tier, subscription_expiry, created_at, updated_at`

// QEnsureAccount inserts the account and its signup entry in one statement.
// When the account exists nothing is written and no row is returned.
const QEnsureAccount = `--sql 85a3488d-8558-4a33-9a2f-eab718dac2d1
with created as (
    insert into accounts (id, email, locale, webhook_url, points, tier, created_at, updated_at)
    values ($1::text, $2::text, '', '', $3::bigint, 'free', $5::timestamptz, $5::timestamptz)
    on conflict (id) do nothing
    returning ` + AccountColumns + `
),
granted as (
    insert into points_ledger (id, user_id, kind, amount, balance_after, reason, job_ref, created_at)
    select $4::uuid, id, 'earn', $3::bigint, $3::bigint, 'signup_bonus', '', $5::timestamptz
    from created
    where $3::bigint > 0
)
select ` + AccountColumns + ` from created;
`

const QSelectAccount = `--sql 9e6c0048-1173-4384-8745-afce0485fa5f
select ` + AccountColumns + `
from accounts
where id = $1::text;
`

const QUpdateAccountContact = `--sql f00bdb87-213d-4425-97a4-7b3ac2341504
update accounts
set locale = $2::text, webhook_url = $3::text, updated_at = now()
where id = $1::text;
`

const QSetSubscription = `--sql cdddef23-be7b-4f04-90fc-7370d890c9f6
update accounts
set tier = $2::text, subscription_expiry = $3::timestamptz, updated_at = $4::timestamptz
where id = $1::text;
`

const QExpireSubscriptions = `--sql 0b8f69f4-906c-470a-b146-3eda44bf8c6c
update accounts
set tier = 'free', subscription_expiry = null, updated_at = $1::timestamptz
where tier <> 'free'
  and (subscription_expiry is null or subscription_expiry < $1::timestamptz)
returning id;
`

const QListExpiringAccounts = `--sql 67a40d2a-6341-4fa5-95ac-9b75faadfdac
select ` + AccountColumns + `
from accounts
where tier <> 'free'
  and subscription_expiry >= $1::timestamptz
  and subscription_expiry < $2::timestamptz
order by id;
`

// QClaimReminder records that the reminder for one expiry and threshold was
// sent. No row means another pass already claimed it.
const QClaimReminder = `--sql 5c1e7a8d-3f2b-4e96-8d0a-b7e4f19c2a63
insert into subscription_reminders (user_id, subscription_expiry, days_before, sent_at)
values ($1::text, $2::timestamptz, $3::integer, $4::timestamptz)
on conflict do nothing
returning user_id;
`

// QApplyLedgerEntry moves the balance by a signed amount unless that would
// drive it negative, and appends the entry. No row means the guard failed.
const QApplyLedgerEntry = `--sql 44410109-c998-4823-b98b-e4b852957388
with moved as (
    update accounts
    set points = points + $3::bigint, updated_at = $7::timestamptz
    where id = $2::text
      and points + $3::bigint >= 0
    returning id, points
),
entry as (
    insert into points_ledger (id, user_id, kind, amount, balance_after, reason, job_ref, created_at)
    select $1::uuid, id, $4::text, $3::bigint, points, $5::text, $6::text, $7::timestamptz
    from moved
)
select points from moved;
`

// QRefundJob flips the refunded flag and credits the owner in one statement.
// The flag update is the guard: a job already refunded yields no row.
const QRefundJob = `--sql 4203dc4f-38c8-40a4-b283-88ceec01651d
with flipped as (
    update jobs
    set refunded = true,
        refund_amount = points_cost,
        refund_reason = $2::text,
        updated_at = $4::timestamptz
    where id = $1::uuid
      and not refunded
      and status in ('completed', 'failed')
      and exists (select 1 from accounts where accounts.id = jobs.owner_id)
    returning id, owner_id, points_cost
),
credited as (
    update accounts a
    set points = a.points + f.points_cost, updated_at = $4::timestamptz
    from flipped f
    where a.id = f.owner_id
    returning a.id, a.points, f.points_cost, f.id as job_id
),
entry as (
    insert into points_ledger (id, user_id, kind, amount, balance_after, reason, job_ref, created_at)
    select $3::uuid, c.id, 'refund', c.points_cost, c.points, $2::text, c.job_id::text, $4::timestamptz
    from credited c
)
select id, points, points_cost from credited;
`

const QListLedgerEntries = `--sql cad03043-cab7-462f-a092-c9dfcd86e59c
select id::text, user_id, kind, amount, balance_after, reason, job_ref, created_at
from points_ledger
where user_id = $1::text
order by created_at desc, id desc
limit $2::int;
`
